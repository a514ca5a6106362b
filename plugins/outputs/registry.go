package outputs

import "github.com/bucky3/bucky3/pipeline"

// Creator builds a fresh, unconfigured output instance.
type Creator func() pipeline.Output

var Outputs = make(map[string]Creator)

func Add(name string, creator Creator) {
	Outputs[name] = creator
}
