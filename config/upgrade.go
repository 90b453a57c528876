package config

import (
	"crypto/ed25519"
	"encoding/base64"

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

func generateOrCopySigningKey(helper up.Helper, path ...string) {
	if key, ok := helper.Get(up.Str, path...); !ok || key == "generate" {
		seed := random.Bytes(ed25519.SeedSize)
		helper.Set(up.Str, base64.RawStdEncoding.EncodeToString(seed), path...)
	} else {
		helper.Copy(up.Str, path...)
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "homeserver", "key_version")
	generateOrCopySigningKey(helper, "homeserver", "signing_key")

	helper.Copy(up.Str, "server", "hostname")
	helper.Copy(up.Int, "server", "port")

	helper.Copy(up.Str, "smh", "room_name")
	generateOrCopy(helper, "smh", "management_secret")

	helper.Copy(up.Bool, "federation", "verify_tls")
	helper.Copy(up.Str|up.Null, "federation", "well_known_cache_ttl")

	helper.Copy(up.Map, "logging")
}

var SpacedBlocks = [][]string{
	{"server"},
	{"smh"},
	{"federation"},
	{"logging"},
}
