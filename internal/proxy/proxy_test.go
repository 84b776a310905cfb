// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigFixupAndValidate(t *testing.T) {
	require := require.New(t)

	cfg := new(Config)
	require.NoError(cfg.FixupAndValidate())
	require.Equal(typeNone, cfg.Type)
	require.Nil(cfg.ToDialContext("discovery"))
	require.Nil(cfg.HTTPClient("discovery", time.Second).Transport)

	cfg = &Config{Type: "SOCKS5", Network: "TCP", Address: "127.0.0.1:9050", User: "u", Password: "p"}
	require.NoError(cfg.FixupAndValidate())
	require.NotNil(cfg.ToDialContext("hoprd"))
	require.NotNil(cfg.HTTPClient("hoprd", time.Second).Transport)

	require.Error((&Config{Type: "socks5", Network: "tcp", Address: "nope"}).FixupAndValidate())
	require.Error((&Config{Type: "socks5", Network: "tcp", Address: "127.0.0.1:9050", User: "u"}).FixupAndValidate())
	require.Error((&Config{Type: "tor+socks5", Network: "tcp", Address: "127.0.0.1:9050", User: "u", Password: "p"}).FixupAndValidate())
	require.Error((&Config{Type: "socks5", Network: "udp", Address: "127.0.0.1:9050"}).FixupAndValidate())
	require.Error((&Config{Type: "http"}).FixupAndValidate())

	var nilCfg *Config
	require.Nil(nilCfg.ToDialContext("x"))
}
