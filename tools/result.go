package tools

// Direction says where a tool's output goes.
type Direction int

const (
	// DirectionServer feeds the output back to the model as the call's result.
	DirectionServer Direction = iota
	// DirectionClient delivers the output straight to the user.
	DirectionClient
)

func (d Direction) String() string {
	switch d {
	case DirectionServer:
		return "to_server"
	case DirectionClient:
		return "to_client"
	default:
		return "unknown"
	}
}

// Result is the outcome of one dispatch: either ToServer or ToClient.
type Result interface {
	Payload() string
	isResult()
}

// ToServer is injected upstream as the completion of the call.
type ToServer struct {
	Output string
}

func (r ToServer) Payload() string { return r.Output }
func (ToServer) isResult()         {}

// ToClient is delivered to the client and never seen by the model.
type ToClient struct {
	Output string
}

func (r ToClient) Payload() string { return r.Output }
func (ToClient) isResult()         {}

func newResult(d Direction, output string) Result {
	if d == DirectionClient {
		return ToClient{Output: output}
	}
	return ToServer{Output: output}
}
