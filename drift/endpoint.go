package drift

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

const defaultEndpointTimeout = 10 * time.Second

// EndpointClassifier posts the transcript to a dedicated classification
// service that answers with the persona that should handle it.
type EndpointClassifier struct {
	client *fasthttp.Client
	url    string
	apiKey string
}

type endpointRequest struct {
	Persona    string `json:"persona"`
	Transcript []Turn `json:"transcript"`
}

type endpointResponse struct {
	Label string `json:"label"`
}

func NewEndpointClassifier(url, apiKey string) (*EndpointClassifier, error) {
	if url == "" {
		return nil, shared.ErrNoEndpoint
	}
	return &EndpointClassifier{
		client: &fasthttp.Client{Name: "realtime-relay"},
		url:    url,
		apiKey: apiKey,
	}, nil
}

func (c *EndpointClassifier) Classify(ctx context.Context, req Request) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Unknown, unavailable("%v", err)
	}
	body, err := sonic.Marshal(endpointRequest{Persona: req.PersonaID, Transcript: req.Window})
	if err != nil {
		return Unknown, fmt.Errorf("encoding classifier request: %w", err)
	}

	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(httpReq)
		fasthttp.ReleaseResponse(httpResp)
	}

	httpReq.SetRequestURI(c.url)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultEndpointTimeout)
	}
	// fasthttp has no context support; the request and response stay
	// acquired until the call returns, even after ctx is done.
	done := make(chan error, 1)
	go func() {
		done <- c.client.DoDeadline(httpReq, httpResp, deadline)
	}()
	select {
	case err = <-done:
		defer release()
	case <-ctx.Done():
		go func() {
			<-done
			release()
		}()
		return Unknown, unavailable("%v", ctx.Err())
	}
	if err != nil {
		return Unknown, unavailable("performing HTTP request: %v", err)
	}
	if httpResp.StatusCode() != fasthttp.StatusOK {
		return Unknown, unavailable("unexpected status code: %d, body: %s", httpResp.StatusCode(), httpResp.Body())
	}

	var out endpointResponse
	if err := sonic.Unmarshal(httpResp.Body(), &out); err != nil {
		return Unknown, unavailable("decoding response: %v", err)
	}
	return normalizeLabel(out.Label, req.PersonaID, req.Target)
}

// normalizeLabel maps the service label onto a verdict. The label names the
// persona that should own the conversation; stay and switch are accepted too.
// Any other label is Unknown.
func normalizeLabel(label, personaID, target string) (Verdict, error) {
	l := strings.Trim(strings.ToLower(strings.TrimSpace(label)), ".!\"' ")
	switch {
	case l == "", l == "unknown":
		return Unknown, unavailable("no label")
	case l == "stay", l == "no", l == strings.ToLower(personaID):
		return Stay, nil
	case l == "switch", l == "yes", target != "" && l == strings.ToLower(target):
		return Switch, nil
	default:
		return Unknown, unavailable("unrecognized label %q", label)
	}
}
