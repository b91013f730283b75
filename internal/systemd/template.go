package systemd

import "fmt"

// UnitName is the file name of the serve unit.
const UnitName = "callwarden.service"

// ServeUnit returns a systemd unit running callwarden serve with the
// config in configDir. The directory stays writable for the session
// store and the audit log.
func ServeUnit(binary, configDir string) string {
	return fmt.Sprintf(`[Unit]
Description=callwarden tool-call governance server
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s serve --config %s/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=%s

[Install]
WantedBy=multi-user.target
`, binary, configDir, configDir)
}
