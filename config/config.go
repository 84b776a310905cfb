// config.go - RPCh client configuration.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config implements the configuration for the RPCh client.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rpch/rpch/core/log"
	"github.com/rpch/rpch/internal/proxy"
	"github.com/rpch/rpch/nodes"
	"github.com/rpch/rpch/telemetry"
)

const (
	defaultLogLevel = "NOTICE"

	defaultDiscoveryEndpoint = "https://discovery.rpch.tech"
	defaultClientID          = "trial"
	defaultFetchInterval     = 60000
	defaultRequestTimeout    = 10000
	defaultMaxFetchDelay     = 30000

	defaultSessionTimeout = 10000
	defaultSweepInterval  = 1000
	defaultOpenTimeout    = 10000
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	if lvl == "" {
		lvl = defaultLogLevel
	}
	if err := log.ValidLevel(lvl); err != nil {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Discovery is the discovery platform configuration.  All durations are in
// milliseconds.
type Discovery struct {
	// Endpoint is the base URL of the discovery platform.
	Endpoint string

	// ClientID identifies the client to the platform.
	ClientID string

	// FetchInterval is the period of the background node refresh.
	FetchInterval int

	// RequestTimeout bounds a single platform request.
	RequestTimeout int

	// MaxFetchDelay caps the back-off after failed fetches.
	MaxFetchDelay int
}

func (d *Discovery) fixupAndValidate() error {
	if d.Endpoint == "" {
		d.Endpoint = defaultDiscoveryEndpoint
	}
	u, err := url.Parse(d.Endpoint)
	if err != nil {
		return fmt.Errorf("config: Discovery: Endpoint '%v' is invalid: %v", d.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: Discovery: Endpoint '%v' is not http(s)", d.Endpoint)
	}
	if d.ClientID == "" {
		d.ClientID = defaultClientID
	}
	if d.FetchInterval == 0 {
		d.FetchInterval = defaultFetchInterval
	}
	if d.RequestTimeout == 0 {
		d.RequestTimeout = defaultRequestTimeout
	}
	if d.MaxFetchDelay == 0 {
		d.MaxFetchDelay = defaultMaxFetchDelay
	}
	if d.FetchInterval < 0 || d.RequestTimeout < 0 || d.MaxFetchDelay < 0 {
		return errors.New("config: Discovery: durations must be positive")
	}
	return nil
}

// FetchIntervalDuration returns FetchInterval as a time.Duration.
func (d *Discovery) FetchIntervalDuration() time.Duration { return ms(d.FetchInterval) }

// RequestTimeoutDuration returns RequestTimeout as a time.Duration.
func (d *Discovery) RequestTimeoutDuration() time.Duration { return ms(d.RequestTimeout) }

// MaxFetchDelayDuration returns MaxFetchDelay as a time.Duration.
func (d *Discovery) MaxFetchDelayDuration() time.Duration { return ms(d.MaxFetchDelay) }

// Session is the request session configuration.  All durations are in
// milliseconds.
type Session struct {
	// Timeout is the default request timeout.
	Timeout int

	// SegmentSweepInterval is the period of the segment cache sweep.
	SegmentSweepInterval int

	// RequestSweepInterval is the period of the request cache sweep.
	RequestSweepInterval int

	// SegmentMaxAge is how long a partial response is kept, it defaults to
	// Timeout.
	SegmentMaxAge int

	// ChannelOpenTimeout bounds opening an entry node channel.
	ChannelOpenTimeout int

	// StrictRanking rejects requests when the ranking ends in a tie instead
	// of picking one of the tied routes at random.
	StrictRanking bool
}

func (s *Session) fixupAndValidate() error {
	if s.Timeout == 0 {
		s.Timeout = defaultSessionTimeout
	}
	if s.SegmentSweepInterval == 0 {
		s.SegmentSweepInterval = defaultSweepInterval
	}
	if s.RequestSweepInterval == 0 {
		s.RequestSweepInterval = defaultSweepInterval
	}
	if s.SegmentMaxAge == 0 {
		s.SegmentMaxAge = s.Timeout
	}
	if s.ChannelOpenTimeout == 0 {
		s.ChannelOpenTimeout = defaultOpenTimeout
	}
	if s.Timeout < 0 || s.SegmentSweepInterval < 0 || s.RequestSweepInterval < 0 || s.SegmentMaxAge < 0 || s.ChannelOpenTimeout < 0 {
		return errors.New("config: Session: durations must be positive")
	}
	return nil
}

// TimeoutDuration returns Timeout as a time.Duration.
func (s *Session) TimeoutDuration() time.Duration { return ms(s.Timeout) }

// SegmentSweepDuration returns SegmentSweepInterval as a time.Duration.
func (s *Session) SegmentSweepDuration() time.Duration { return ms(s.SegmentSweepInterval) }

// RequestSweepDuration returns RequestSweepInterval as a time.Duration.
func (s *Session) RequestSweepDuration() time.Duration { return ms(s.RequestSweepInterval) }

// SegmentMaxAgeDuration returns SegmentMaxAge as a time.Duration.
func (s *Session) SegmentMaxAgeDuration() time.Duration { return ms(s.SegmentMaxAge) }

// ChannelOpenTimeoutDuration returns ChannelOpenTimeout as a time.Duration.
func (s *Session) ChannelOpenTimeoutDuration() time.Duration { return ms(s.ChannelOpenTimeout) }

// Reliability tunes node outphasing and scoring.  Zero values select the
// defaults, latencies are in milliseconds.
type Reliability struct {
	LatencyThresholdEntry  int
	LatencyThresholdExit   int
	LatencyViolationsEntry int
	LatencyViolationsExit  int
	FailedRequestsEntry    int
	FailedRequestsExit     int
	LatencyHistory         int
	FreshNodeThreshold     int
	MaxResponses           int
	MinEntryScore          float64
}

func (r *Reliability) validate() error {
	for _, v := range []int{
		r.LatencyThresholdEntry, r.LatencyThresholdExit,
		r.LatencyViolationsEntry, r.LatencyViolationsExit,
		r.FailedRequestsEntry, r.FailedRequestsExit,
		r.LatencyHistory, r.FreshNodeThreshold, r.MaxResponses,
	} {
		if v < 0 {
			return errors.New("config: Reliability: values must not be negative")
		}
	}
	if r.MinEntryScore < 0 || r.MinEntryScore > 1 {
		return fmt.Errorf("config: Reliability: MinEntryScore '%v' is out of range", r.MinEntryScore)
	}
	return nil
}

// Thresholds returns the node pool thresholds.
func (r *Reliability) Thresholds() nodes.Thresholds {
	th := nodes.DefaultThresholds()
	if r.LatencyThresholdEntry != 0 {
		th.LatencyEntry = ms(r.LatencyThresholdEntry)
	}
	if r.LatencyThresholdExit != 0 {
		th.LatencyExit = ms(r.LatencyThresholdExit)
	}
	if r.LatencyViolationsEntry != 0 {
		th.ViolationsEntry = r.LatencyViolationsEntry
	}
	if r.LatencyViolationsExit != 0 {
		th.ViolationsExit = r.LatencyViolationsExit
	}
	if r.FailedRequestsEntry != 0 {
		th.FailedEntry = r.FailedRequestsEntry
	}
	if r.FailedRequestsExit != 0 {
		th.FailedExit = r.FailedRequestsExit
	}
	if r.LatencyHistory != 0 {
		th.LatencyHistory = r.LatencyHistory
	}
	if r.FreshNodeThreshold != 0 {
		th.FreshNodeThreshold = r.FreshNodeThreshold
	}
	if r.MaxResponses != 0 {
		th.MaxResponses = r.MaxResponses
	}
	if r.MinEntryScore != 0 {
		th.MinEntryScore = r.MinEntryScore
	}
	return th
}

// CounterStore is the replay counter persistence configuration.
type CounterStore struct {
	// File is the bolt database path, counters are kept in memory if
	// omitted.
	File string
}

// Metrics is the prometheus configuration.
type Metrics struct {
	// Address is the address/port to bind the metrics endpoint to, metrics
	// are disabled if omitted.
	Address string
}

func (m *Metrics) validate() error {
	if m.Address == "" {
		return nil
	}
	if _, err := netip.ParseAddrPort(m.Address); err != nil {
		return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", m.Address, err)
	}
	return nil
}

// Telemetry is the outcome reporting configuration.
type Telemetry struct {
	// QueueSize bounds the outcomes waiting to be reported.
	QueueSize int
}

// UpstreamProxy is the outgoing connection proxy configuration.
type UpstreamProxy struct {
	// Type is the proxy type (Eg: "none"," socks5", "tor+socks5").
	Type string

	// Network is the proxy address' network (`unix`, `tcp`).
	Network string

	// Address is the proxy's address.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string
}

func (uCfg *UpstreamProxy) toProxyConfig() (*proxy.Config, error) {
	// This is kind of dumb, but this is the cleanest way I can think of
	// doing this.
	cfg := &proxy.Config{
		Type:     uCfg.Type,
		Network:  uCfg.Network,
		Address:  uCfg.Address,
		User:     uCfg.User,
		Password: uCfg.Password,
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Config is the top level client configuration.
type Config struct {
	// Logging configures the logging.
	Logging *Logging

	// Discovery configures the discovery platform client.
	Discovery *Discovery

	// Session configures request handling.
	Session *Session

	// Reliability configures node outphasing.
	Reliability *Reliability

	// CounterStore configures replay counter persistence.
	CounterStore *CounterStore

	// Metrics configures the prometheus endpoint.
	Metrics *Metrics

	// Telemetry configures outcome reporting.
	Telemetry *Telemetry

	// UpstreamProxy configures the upstream proxy.
	UpstreamProxy *UpstreamProxy

	upstreamProxy *proxy.Config
}

// UpstreamProxyConfig returns the configured upstream proxy, suitable for
// internal use.  Most people should not use this.
func (c *Config) UpstreamProxyConfig() *proxy.Config {
	return c.upstreamProxy
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Discovery == nil {
		c.Discovery = new(Discovery)
	}
	if c.Session == nil {
		c.Session = new(Session)
	}
	if c.Reliability == nil {
		c.Reliability = new(Reliability)
	}
	if c.CounterStore == nil {
		c.CounterStore = new(CounterStore)
	}
	if c.Metrics == nil {
		c.Metrics = new(Metrics)
	}
	if c.Telemetry == nil {
		c.Telemetry = new(Telemetry)
	}
	if c.Telemetry.QueueSize <= 0 {
		c.Telemetry.QueueSize = telemetry.DefaultQueueSize
	}
	if c.UpstreamProxy == nil {
		c.UpstreamProxy = new(UpstreamProxy)
	}

	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Discovery.fixupAndValidate(); err != nil {
		return err
	}
	if err := c.Session.fixupAndValidate(); err != nil {
		return err
	}
	if err := c.Reliability.validate(); err != nil {
		return err
	}
	if err := c.Metrics.validate(); err != nil {
		return err
	}
	uCfg, err := c.UpstreamProxy.toProxyConfig()
	if err != nil {
		return err
	}
	c.upstreamProxy = uCfg
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
