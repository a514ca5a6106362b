package inputs

import "github.com/bucky3/bucky3/pipeline"

// Creator builds a fresh, unconfigured input instance. The supervisor calls
// it on every worker (re)start and decodes the module's config table into
// the result.
type Creator func() pipeline.Input

var Inputs = make(map[string]Creator)

func Add(name string, creator Creator) {
	Inputs[name] = creator
}
