// Package cmn provides common constants, types, and configuration for meshrank
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// read-mostly process config: assigned once at startup from the environment,
// read lock-free everywhere after that

type readMostly struct {
	port      int
	dbPath    string
	dataDir   string
	staticDir string
	botToken      string
	baseURL       string
	sessionSecret string

	google struct {
		clientID     string
		clientSecret string
		redirectURI  string
	}

	geoscore struct {
		enabled    bool
		batchSize  int
		maxCand    int
	}

	jitterMs  int
	debugSQL  bool
	debugPerf bool
}

var Rom readMostly

const (
	DfltPort    = 5199
	DfltDataDir = "data"
	DfltBaseURL = "https://meshrank.net"
)

// timing constants shared across components
const (
	DeviceCacheTTL    = 30 * time.Second
	ObserverTailIval  = 2 * time.Second
	MsgPollIval       = 250 * time.Millisecond
	StreamPollIval    = time.Second
	RefreshLoopIval   = 60 * time.Second
	CacheWarmupWindow = 15 * time.Minute
	RepeaterActiveWin = 72 * time.Hour
)

func (rom *readMostly) Init() {
	rom.port = envInt("PORT", DfltPort)
	rom.dbPath = envStr("MESHRANK_DB_PATH", filepath.Join(DfltDataDir, "meshrank.db"))
	rom.dataDir = envStr("MESHRANK_DATA_DIR", DfltDataDir)
	rom.staticDir = envStr("MESHRANK_STATIC_DIR", "public")
	rom.botToken = os.Getenv("MESHRANK_BOT_TOKEN")
	rom.sessionSecret = envStr("MESHRANK_SESSION_SECRET", "")
	rom.baseURL = envStr("MESHRANK_BASE_URL", DfltBaseURL)
	rom.google.clientID = os.Getenv("GOOGLE_CLIENT_ID")
	rom.google.clientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	rom.google.redirectURI = os.Getenv("GOOGLE_REDIRECT_URI")
	rom.geoscore.enabled = os.Getenv("GEOSCORE_DISABLED") == ""
	rom.geoscore.batchSize = envInt("GEOSCORE_BATCH", 20)
	rom.geoscore.maxCand = envInt("GEOSCORE_MAX_CANDIDATES", 5)
	rom.jitterMs = envInt("MESHFLOW_JITTER", 0)
	rom.debugSQL = os.Getenv("DEBUG_SQL") != ""
	rom.debugPerf = os.Getenv("DEBUG_PERF") != ""
}

func (rom *readMostly) Port() int          { return rom.port }
func (rom *readMostly) DBPath() string     { return rom.dbPath }
func (rom *readMostly) DataDir() string    { return rom.dataDir }
func (rom *readMostly) StaticDir() string  { return rom.staticDir }
func (rom *readMostly) BotToken() string   { return rom.botToken }
func (rom *readMostly) BaseURL() string       { return rom.baseURL }
func (rom *readMostly) SessionSecret() string { return rom.sessionSecret }
func (rom *readMostly) DebugSQL() bool     { return rom.debugSQL }
func (rom *readMostly) DebugPerf() bool    { return rom.debugPerf }
func (rom *readMostly) JitterMs() int      { return rom.jitterMs }
func (rom *readMostly) GoogleClientID() string    { return rom.google.clientID }
func (rom *readMostly) GoogleClientSecret() string { return rom.google.clientSecret }
func (rom *readMostly) GoogleRedirectURI() string  { return rom.google.redirectURI }
func (rom *readMostly) GeoscoreEnabled() bool      { return rom.geoscore.enabled }
func (rom *readMostly) GeoscoreBatch() int         { return rom.geoscore.batchSize }
func (rom *readMostly) GeoscoreMaxCand() int       { return rom.geoscore.maxCand }

func (rom *readMostly) DataFile(name string) string { return filepath.Join(rom.dataDir, name) }

func envStr(name, dflt string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return dflt
}

func envInt(name string, dflt int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return dflt
}
