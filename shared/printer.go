package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
)

// Printer writes indented, human-facing output to one or more writers.
type Printer struct {
	mu     sync.Mutex
	indStr string
	hooks  []io.Writer
}

func NewPrinter(indentString string, hooks ...io.Writer) (*Printer, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Printer{indStr: indentString, hooks: hooks}, nil
}

func (p *Printer) Write(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(s, ind)
}

func (p *Printer) Writeln(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.write(s, ind); err != nil {
		return err
	}
	return p.emit("\n")
}

// WriteYAML renders v as YAML, honoring json tags and marshalers, at the
// given indentation.
func (p *Printer) WriteYAML(v any, ind int) error {
	out, err := yaml.MarshalWithOptions(v, yaml.UseJSONMarshaler())
	if err != nil {
		return fmt.Errorf("marshaling yaml: %w", err)
	}
	return p.Write(strings.TrimRight(string(out), "\n")+"\n", ind)
}

func (p *Printer) write(s string, ind int) error {
	indent := strings.Repeat(p.indStr, ind)
	var b strings.Builder
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		if line != "" {
			b.WriteString(indent)
			b.WriteString(line)
		}
	}
	return p.emit(b.String())
}

func (p *Printer) emit(s string) error {
	for _, hook := range p.hooks {
		if _, err := io.WriteString(hook, s); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}
