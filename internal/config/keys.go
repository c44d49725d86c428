package config

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key   string
	typ   keyType
	env   string
	apply func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "VOXLOG_SERVER_PORT",
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "VOXLOG_SERVER_MCP_PORT",
		apply: func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
	},
	{
		key: "capture.command", typ: kString, env: "VOXLOG_CAPTURE_COMMAND",
		apply: func(cfg *Config, v any) { cfg.Capture.Command = v.(string) },
	},
	{
		key: "capture.target", typ: kString, env: "VOXLOG_CAPTURE_TARGET",
		apply: func(cfg *Config, v any) { cfg.Capture.Target = v.(string) },
	},
	{
		key: "capture.segment_seconds", typ: kFloat, env: "VOXLOG_CAPTURE_SEGMENT_SECONDS",
		apply: func(cfg *Config, v any) { cfg.Capture.SegmentSeconds = v.(float64) },
	},
	{
		key: "upload.credential_url", typ: kString, env: "VOXLOG_UPLOAD_CREDENTIAL_URL",
		apply: func(cfg *Config, v any) { cfg.Upload.CredentialURL = v.(string) },
	},
	{
		key: "upload.token", typ: kString, env: "VOXLOG_UPLOAD_TOKEN",
		apply: func(cfg *Config, v any) { cfg.Upload.Token = v.(string) },
	},
	{
		key: "upload.notify_url", typ: kString, env: "VOXLOG_UPLOAD_NOTIFY_URL",
		apply: func(cfg *Config, v any) { cfg.Upload.NotifyURL = v.(string) },
	},
	{
		key: "storage.data_dir", typ: kString, env: "VOXLOG_STORAGE_DATA_DIR",
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		key: "log.level", typ: kString, env: "VOXLOG_LOG_LEVEL",
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}
