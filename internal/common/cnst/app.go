package cnst

const (
	// CollabServerYaml is the default configuration file of the collaboration server
	CollabServerYaml = "collab-server.yaml"
)

const (
	RedisClusterTypeSentinel = "sentinel"
	RedisClusterTypeCluster  = "cluster"
	RedisClusterTypeSingle   = "single"
)
