package dto

import (
	"encoding/json"
	"time"

	"wearext-be/internal/relay"
)

// Relay command-surface DTOs

type SendCommandRequest struct {
	Command       string             `json:"command"`
	Button        *int               `json:"button,omitempty"`
	Category      *relay.CategoryRef `json:"category,omitempty"`
	MessageId     *int               `json:"messageId,omitempty"`
	SleepDuration *int               `json:"sleepDuration,omitempty"`
	Data          json.RawMessage    `json:"data,omitempty"`
}

type BroadcastRequest struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type RelayStatusResponse struct {
	Esp32Connected     bool         `json:"esp32Connected"`
	MobileClientsCount int          `json:"mobileClientsCount"`
	Esp32Status        *Esp32Status `json:"esp32Status"`
	ServerTime         string       `json:"serverTime"`
}

type Esp32Status struct {
	Battery       *int               `json:"battery"`
	Category      *relay.CategoryRef `json:"category"`
	LastHeartbeat time.Time          `json:"lastHeartbeat"`
}

type PlayMessageRequest struct {
	ChildId int `json:"childId"`
}

type SequenceRequest struct {
	ChildId int `json:"childId"`
}

type ShutdownRequest struct {
	Reason string `json:"reason,omitempty"`
}
