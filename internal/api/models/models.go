package models

import (
	"github.com/smazurov/observer/internal/logging"
	"github.com/smazurov/observer/internal/relay"
)

// Health check models
type HealthData struct {
	Status        string `json:"status" example:"ok" doc:"Service status: ok when Redis is ready, degraded otherwise"`
	State         string `json:"state" example:"ready" doc:"Redis connection state"`
	Relay         bool   `json:"relay" example:"true" doc:"Whether the pub/sub relay is running"`
	Subscriptions int    `json:"subscriptions" example:"1" doc:"Number of relayed channels"`
}

type HealthResponse struct {
	Body HealthData
}

type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"42" doc:"Build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.11" doc:"Go runtime version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Go compiler"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"OS and architecture"`
}

type VersionResponse struct {
	Body VersionData
}

// Script models
type ScriptInfo struct {
	Name   string `json:"name" example:"setget" doc:"Registered script name"`
	Digest string `json:"digest" example:"a42059b356c875f0717db19a51f6aaca9ae659ea" doc:"SHA-1 digest used with EVALSHA"`
}

type ScriptListData struct {
	Scripts []ScriptInfo `json:"scripts" doc:"Registered scripts in registration order"`
	Count   int          `json:"count" example:"2" doc:"Number of registered scripts"`
}

type ScriptListResponse struct {
	Body ScriptListData
}

type ExecRequestData struct {
	Keys []string `json:"keys,omitempty" doc:"KEYS passed to the script"`
	Args []any    `json:"args,omitempty" doc:"ARGV passed to the script"`
}

type ExecRequest struct {
	Name string `path:"name" example:"setget" doc:"Registered script name"`
	Body ExecRequestData
}

type ExecData struct {
	Name   string `json:"name" example:"setget" doc:"Executed script"`
	Result any    `json:"result" doc:"Script reply, null for a nil reply"`
}

type ExecResponse struct {
	Body ExecData
}

// Subscription models
type SubscriptionListData struct {
	Subscriptions []relay.Mapping `json:"subscriptions" doc:"Relayed channels sorted by source"`
	Count         int             `json:"count" example:"1" doc:"Number of relayed channels"`
}

type SubscriptionListResponse struct {
	Body SubscriptionListData
}

type SubscribeRequest struct {
	Body relay.Mapping
}

type UnsubscribeRequest struct {
	Source string `path:"source" example:"my:channel" doc:"Source channel to stop relaying"`
}

// Event stream models
type EventStreamRequest struct {
	Pattern string `query:"pattern" default:"**" example:"my.*" doc:"Bus pattern; * matches one segment, ** any number"`
}

type StreamOpenedData struct {
	Pattern   string `json:"pattern" example:"my.*" doc:"Pattern the stream is subscribed to"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

type BusEventData struct {
	Name      string `json:"name" example:"my.activity" doc:"Event name"`
	Payload   any    `json:"payload" doc:"Decoded event payload"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

type StreamErrorData struct {
	Error string `json:"error" doc:"Reason the stream was closed"`
}

// Log models
type LogsRequest struct {
	Limit int `query:"limit" default:"100" minimum:"0" maximum:"500" doc:"Maximum number of entries, 0 for all"`
}

type LogsData struct {
	Entries []logging.Entry   `json:"entries" doc:"Recent log entries, oldest first"`
	Levels  map[string]string `json:"levels" doc:"Effective level per module"`
}

type LogsResponse struct {
	Body LogsData
}

type LogLevelData struct {
	Level string `json:"level" enum:"debug,info,warn,error" example:"debug" doc:"New level"`
}

type LogLevelRequest struct {
	Module string `path:"module" example:"relay" doc:"Logger module"`
	Body   LogLevelData
}

type LogLevelResponse struct {
	Body struct {
		Levels map[string]string `json:"levels" doc:"Effective level per module"`
	}
}
