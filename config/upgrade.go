package config

import (
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/random"
)

var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks:         SpacedBlocks,
	Base:           ExampleConfig,
}

func generateOrCopy(helper up.Helper, path ...string) {
	if secret, ok := helper.Get(up.Str, path...); !ok || secret == "generate" {
		helper.Set(up.Str, random.String(64), path...)
	} else {
		helper.Copy(up.Str, path...)
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "server", "server_name")
	helper.Copy(up.Str, "server", "hostname")
	helper.Copy(up.Int, "server", "port")

	helper.Copy(up.Str, "signing_key", "path")
	helper.Copy(up.Str, "signing_key", "key_id")

	helper.Copy(up.Int, "federation", "default_port")
	helper.Copy(up.Str, "federation", "request_timeout")
	helper.Copy(up.Int, "federation", "fanout_concurrency")
	helper.Copy(up.Int, "federation", "key_cache_size")
	helper.Copy(up.Str, "federation", "key_cache_lifetime")
	helper.Copy(up.Map, "federation", "overrides")

	helper.Copy(up.Int, "timeline", "recursion_limit")

	helper.Copy(up.Bool, "client_api", "enabled")
	helper.Copy(up.Str, "client_api", "path")
	generateOrCopy(helper, "client_api", "dump_secret")

	helper.Copy(up.Bool, "metrics", "enabled")
	helper.Copy(up.Str, "metrics", "listen")

	helper.Copy(up.Map, "logging")
}

var SpacedBlocks = [][]string{
	{"server"},
	{"signing_key"},
	{"federation"},
	{"federation", "overrides"},
	{"timeline"},
	{"client_api"},
	{"metrics"},
	{"logging"},
}
