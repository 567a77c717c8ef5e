/*
Package config loads the agent's YAML configuration file.

Defaults come from Default(), the file overrides them, and Validate checks
the result (required server address and organization, compilable
prevent-sync pattern, positive ballpark offsets).

	server_addr: parsec3://parsec.example.com
	organization: MyOrg
	device_slug: alice-laptop
	data_dir: /home/alice/.parsec
	log_level: info
	sync_interval: 30s
	prevent_sync_pattern: '(?i)^.*\.tmp$'
*/
package config
