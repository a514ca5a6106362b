package all

import (
	_ "github.com/bucky3/bucky3/plugins/outputs/carbon"
	_ "github.com/bucky3/bucky3/plugins/outputs/elasticsearch"
	_ "github.com/bucky3/bucky3/plugins/outputs/influxdb"
	_ "github.com/bucky3/bucky3/plugins/outputs/prometheus"
)
