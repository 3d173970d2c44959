package sim

import (
	"bytes"
	_ "embed"

	"github.com/deepnoodle-ai/stagedflow"
)

//go:embed templates.yaml
var builtinTemplates []byte

// BuiltinTemplates returns the templates of the rewards hub flows:
// connect-wallet, switch-network, gasless-setup, stake-asset and
// claim-and-convert.
func BuiltinTemplates() ([]*stagedflow.Template, error) {
	return stagedflow.LoadTemplates(bytes.NewReader(builtinTemplates))
}

// NewRegistry returns a registry holding the builtin templates and any
// additional ones.
func NewRegistry(extra ...*stagedflow.Template) (*stagedflow.Registry, error) {
	templates, err := BuiltinTemplates()
	if err != nil {
		return nil, err
	}
	return stagedflow.NewRegistry(append(templates, extra...)...)
}
