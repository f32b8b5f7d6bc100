package llm

import (
	"context"

	"github.com/diy-mod/core/internal/config"
)

// Unavailable stands in for a role whose provider could not be resolved.
// Every call fails with Err.
type Unavailable struct{ Err error }

func (u Unavailable) Generate(context.Context, Request) (string, error) { return "", u.Err }

func (u Unavailable) EditImage(context.Context, []byte, string) ([]byte, error) { return nil, u.Err }

// Role is what each model assignment must provide.
type Role interface {
	Generator
	ImageEditor
}

// Resolve returns a client for assignment, or Unavailable when no provider
// matches so the service can still start.
func Resolve(cfg config.LLMConfig, assignment config.AIModelAssignment) (Role, error) {
	c, err := New(cfg, assignment)
	if err != nil {
		return Unavailable{Err: err}, err
	}
	return c, nil
}
