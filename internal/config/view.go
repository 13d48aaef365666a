package config

// EnvView is the read-only rendering of EnvConfig served by the control API.
// Secrets are reduced to whether they are set.
type EnvView struct {
	StateDir        string `json:"state_dir"`
	ListenAddress   string `json:"listen_address"`
	Port            int    `json:"port"`
	APIMaxBodyBytes int    `json:"api_max_body_bytes"`
	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"`

	FlagMode                 FlagMode `json:"flag_mode"`
	BusTimeout               Duration `json:"bus_timeout"`
	FullModeAllowance        Duration `json:"full_mode_allowance"`
	ManifestIndexAllowance   Duration `json:"manifest_index_allowance"`
	UpstreamTimeout          Duration `json:"upstream_timeout"`
	TokenFetchesPerSecond    int      `json:"token_fetches_per_second"`
	ChallengeTTL             Duration `json:"challenge_ttl"`
	TransportIdleConnTimeout Duration `json:"transport_idle_conn_timeout"`
	GatewayMaxRetries        int      `json:"gateway_max_retries"`
	GatewayIdleTimeout       Duration `json:"gateway_idle_timeout"`

	GeoIPPath           string `json:"geoip_path"`
	GeoIPReloadSchedule string `json:"geoip_reload_schedule"`

	AdLogQueueSize     int      `json:"ad_log_queue_size"`
	AdLogFlushBatch    int      `json:"ad_log_flush_batch"`
	AdLogFlushInterval Duration `json:"ad_log_flush_interval"`
	AdLogRetention     Duration `json:"ad_log_retention"`
	AdLogPurgeSchedule string   `json:"ad_log_purge_schedule"`

	TwitchAuthTokenSet bool `json:"twitch_auth_token_set"`
	AdminTokenSet      bool `json:"admin_token_set"`
}

// View returns the redacted view of c.
func (c *EnvConfig) View() EnvView {
	return EnvView{
		StateDir:                 c.StateDir,
		ListenAddress:            c.ListenAddress,
		Port:                     c.Port,
		APIMaxBodyBytes:          c.APIMaxBodyBytes,
		LogLevel:                 c.LogLevel,
		LogFormat:                c.LogFormat,
		FlagMode:                 c.FlagMode,
		BusTimeout:               Duration(c.BusTimeout),
		FullModeAllowance:        Duration(c.FullModeAllowance),
		ManifestIndexAllowance:   Duration(c.ManifestIndexAllowance),
		UpstreamTimeout:          Duration(c.UpstreamTimeout),
		TokenFetchesPerSecond:    c.TokenFetchesPerSecond,
		ChallengeTTL:             Duration(c.ChallengeTTL),
		TransportIdleConnTimeout: Duration(c.TransportIdleConnTimeout),
		GatewayMaxRetries:        c.GatewayMaxRetries,
		GatewayIdleTimeout:       Duration(c.GatewayIdleTimeout),
		GeoIPPath:                c.GeoIPPath,
		GeoIPReloadSchedule:      c.GeoIPReloadSchedule,
		AdLogQueueSize:           c.AdLogQueueSize,
		AdLogFlushBatch:          c.AdLogFlushBatch,
		AdLogFlushInterval:       Duration(c.AdLogFlushInterval),
		AdLogRetention:           Duration(c.AdLogRetention),
		AdLogPurgeSchedule:       c.AdLogPurgeSchedule,
		TwitchAuthTokenSet:       c.TwitchAuthToken != "",
		AdminTokenSet:            c.AdminToken != "",
	}
}
