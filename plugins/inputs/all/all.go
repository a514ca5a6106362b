package all

import (
	_ "github.com/bucky3/bucky3/plugins/inputs/docker"
	_ "github.com/bucky3/bucky3/plugins/inputs/journal"
	_ "github.com/bucky3/bucky3/plugins/inputs/jsond"
	_ "github.com/bucky3/bucky3/plugins/inputs/linux"
	_ "github.com/bucky3/bucky3/plugins/inputs/statsd"
)
