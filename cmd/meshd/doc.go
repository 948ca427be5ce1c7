// Package main is meshd, a long-running bitmesh node.
//
// meshd accepts TCP links, dials configured peers, relays mesh traffic and
// optionally serves the HTTP status API. Settings come from flags and an
// optional YAML file; flags given explicitly override the file.
//
// Example config file:
//
//	listen: ":7946"
//	peers:
//	  - "10.0.0.2:7946"
//	store: leveldb
//	data_dir: /var/lib/meshd
//	status: "127.0.0.1:8080"
//	nickname: relay-1
//	announce_interval: 30s
//	gossip:
//	  max_message_age: 15m
//
// The file store reads its passphrase from BITMESH_PASSPHRASE.
package main
