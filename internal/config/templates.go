package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	KindLink  = "link"
	KindRelay = "relay"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindLink:
		return linkTemplate, nil
	case KindRelay:
		return relayTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("config dir: %w", err)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const linkTemplate = `relay_address = "127.0.0.1:9000"
version = "1.0.0"
state_path = "local/relaylink/identity.toml"
admin_addr = "127.0.0.1:7020"
admin_token = ""
cors_origins = ["http://localhost:3000"]

security_mode = "development"
connect_timeout = "10s"
handshake_timeout = "10s"
read_poll = "100ms"
idle_timeout = "0s"
write_timeout = "10s"
reconnect_poll = "1s"
identity_poll = "1s"
short_wait = "5s"
long_wait = "60s"
short_attempts = 0
max_message_size = 32768
max_packets = 1024
max_decompressed_size = 67108864

[tls]
enabled = false
mutual = false
insecure_skip_verify = false
ca_file = ""
cert_file = ""
key_file = ""
server_name = ""

[executor]
kind = "jsonrpc"
url = "http://127.0.0.1:8080/jsonrpc"
timeout = "30s"
username = ""
password = ""

[notify]
kind = "log"
url = "http://127.0.0.1:8080/jsonrpc"
timeout = "5s"
display_time = "5s"
`

const relayTemplate = `listen = ":9000"
version_constraint = ">= 1.0.0"
allowed_identities = []

security_mode = "development"
handshake_timeout = "10s"
write_timeout = "10s"
max_message_size = 32768
max_packets = 1024
max_decompressed_size = 67108864

[tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""
`
