// Package models holds the request and response bodies of the HTTP API.
package models

import "time"

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2024-12-15 14:30" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go compiler version"`
	Modified  bool   `json:"modified" doc:"Built from a modified work tree"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Pool models
type StatusData struct {
	Phase       string `json:"phase" example:"steady" enum:"idle,filling,steady,rolling_restart,shutting_down,terminated" doc:"Supervisor phase"`
	OperationID string `json:"operation_id,omitempty" example:"9b2f0c1e-5d7a-4a8e-9a55-1d8e7f0c2b11" doc:"Current rollout or shutdown id"`
	Generation  int    `json:"generation" example:"1" doc:"Number of rolling restarts started"`
	PoolSize    int    `json:"pool_size" example:"4" doc:"Configured number of workers"`
	Workers     int    `json:"workers" example:"4" doc:"Workers currently registered"`
	Online      int    `json:"online" example:"4" doc:"Workers currently online"`
}

type StatusResponse struct {
	Body StatusData
}

type WorkerData struct {
	ID         int       `json:"id" example:"3" doc:"Worker identifier"`
	PID        int       `json:"pid" example:"4242" doc:"OS process id"`
	State      string    `json:"state" example:"online" doc:"Worker state"`
	StartedAt  time.Time `json:"started_at" doc:"When the worker was launched"`
	Uptime     string    `json:"uptime" example:"1h2m3s" doc:"Time since launch"`
	Generation int       `json:"generation" example:"1" doc:"Generation the worker was launched in"`
}

type WorkerListData struct {
	Workers []WorkerData `json:"workers" doc:"Registered workers ordered by id"`
	Count   int          `json:"count" example:"4" doc:"Number of workers"`
}

type WorkerListResponse struct {
	Body WorkerListData
}

// ActionData is returned once a restart or shutdown has been accepted.
type ActionData struct {
	Action string     `json:"action" example:"restart" doc:"Requested action"`
	Status StatusData `json:"status" doc:"Pool status after the request was accepted"`
}

type ActionResponse struct {
	Body ActionData
}

// Log models
type LogEntryData struct {
	Time       time.Time      `json:"time" doc:"When the record was logged"`
	Level      string         `json:"level" example:"warn" doc:"Record level"`
	Module     string         `json:"module" example:"supervisor" doc:"Logging module"`
	Message    string         `json:"message" example:"Worker exited unexpectedly" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Record attributes, group keys joined with dots"`
}

type LogListData struct {
	Entries []LogEntryData `json:"entries" doc:"Matching records, oldest first"`
	Count   int            `json:"count" example:"20" doc:"Number of records returned"`
}

type LogListResponse struct {
	Body LogListData
}
