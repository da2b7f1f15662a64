package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"

	"go-polyglot/extract"
	"go-polyglot/schema"
)

// Streaming is the response shape a route commits to.
type Streaming int

const (
	StreamNone Streaming = iota
	StreamChunked
	StreamSSE
	StreamWebSocket
)

var streamingNames = [...]string{
	StreamNone:      "none",
	StreamChunked:   "chunked",
	StreamSSE:       "sse",
	StreamWebSocket: "websocket",
}

func (s Streaming) String() string {
	if s < 0 || int(s) >= len(streamingNames) {
		return fmt.Sprintf("streaming(%d)", int(s))
	}
	return streamingNames[s]
}

func (s Streaming) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Streaming) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	if name == "" {
		*s = StreamNone
		return nil
	}
	for i, n := range streamingNames {
		if n == name {
			*s = Streaming(i)
			return nil
		}
	}
	return fmt.Errorf("unknown streaming kind %q", text)
}

// RouteSpec is one entry of the route manifest.
type RouteSpec struct {
	Method  string `json:"method" yaml:"method"`
	Path    string `json:"path" yaml:"path"`
	Handler string `json:"handler" yaml:"handler"`

	Params       []extract.Param             `json:"params,omitempty" yaml:"params,omitempty"`
	Body         *schema.Schema              `json:"body,omitempty" yaml:"body,omitempty"`
	BodyRequired bool                        `json:"body_required,omitempty" yaml:"body_required,omitempty"`
	Files        map[string]extract.FileSpec `json:"files,omitempty" yaml:"files,omitempty"`
	Response     *schema.Schema              `json:"response,omitempty" yaml:"response,omitempty"`

	Streaming Streaming `json:"streaming,omitempty" yaml:"streaming,omitempty"`
	// TimeoutMS overrides the engine's dispatch deadline for this route.
	TimeoutMS int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`

	// Message validates inbound WebSocket messages.
	Message         *schema.Schema `json:"message,omitempty" yaml:"message,omitempty"`
	MaxMessageBytes int64          `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"`
}

func (r RouteSpec) timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// Manifest is the document handed over by the route-table compiler: named
// schemas plus the routes that reference them.
type Manifest struct {
	Schemas map[string]*schema.Schema `json:"schemas,omitempty" yaml:"schemas,omitempty"`
	Routes  []RouteSpec               `json:"routes" yaml:"routes"`
}

// LoadManifest reads a YAML or JSON manifest file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a YAML or JSON manifest document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}
