package models

import "encoding/json"

// Outbound event types.
const (
	EventOnline             = "presence:online"
	EventIdle               = "presence:idle"
	EventActive             = "presence:active"
	EventOffline            = "presence:offline"
	EventSubscribed         = "presence:subscribed"
	EventOnlineFeedSnapshot = "presence:onlineFeedSnapshot"
	EventRadioListeners     = "radio:listeners"
	EventRadioLobbyCounts   = "radio:lobbyCounts"
	EventRadioChatSnapshot  = "radio:chatSnapshot"
	EventRadioChatMessage   = "radio:chatMessage"
	EventRadioReplaced      = "radio:replaced"
	EventPostUpdated        = "posts:updated"
)

// Inbound message types.
const (
	MsgSubscribe             = "presence:subscribe"
	MsgUnsubscribe           = "presence:unsubscribe"
	MsgSubscribeOnlineFeed   = "presence:subscribeOnlineFeed"
	MsgUnsubscribeOnlineFeed = "presence:unsubscribeOnlineFeed"
	MsgActivity              = "presence:activity"
	MsgIdle                  = "presence:idle"
	MsgRadioJoin             = "radio:join"
	MsgRadioWatch            = "radio:watch"
	MsgRadioPause            = "radio:pause"
	MsgRadioLeave            = "radio:leave"
	MsgRadioMute             = "radio:mute"
	MsgRadioChatSend         = "radio:chatSend"
	MsgPostsSubscribe        = "posts:subscribe"
	MsgPostsUnsubscribe      = "posts:unsubscribe"
)

// Event is an outbound frame written to a connection.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Inbound is a frame read from a connection. Data is decoded per type.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UserIDsRequest is the payload of presence:subscribe and presence:unsubscribe.
type UserIDsRequest struct {
	UserIDs []string `json:"userIds"`
}

// StationRequest is the payload of radio:join and radio:watch.
type StationRequest struct {
	StationID string `json:"stationId"`
}

// MuteRequest is the payload of radio:mute.
type MuteRequest struct {
	Muted bool `json:"muted"`
}

// ChatSendRequest is the payload of radio:chatSend.
type ChatSendRequest struct {
	StationID string `json:"stationId"`
	Body      string `json:"body"`
}

// PostIDsRequest is the payload of posts:subscribe and posts:unsubscribe.
type PostIDsRequest struct {
	PostIDs []string `json:"postIds"`
}
