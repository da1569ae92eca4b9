// Package config defines the punchportal configuration file.
//
// A configuration is a list of forward rules. Each rule pairs a source
// endpoint with a destination endpoint, and either side may be any endpoint
// kind:
//
//	[[forward]]
//	name = "web"
//	[forward.source.tcp_listen]
//	address = "127.0.0.1:9090"
//	[forward.destination.peer_connect]
//	secret_key = "<hex seed>"
//	[forward.destination.peer_connect.target]
//	id = "<base58 public key>"
//	discovery = ["mdns"]
//
// Files are read and written with BurntSushi/toml.
package config
