package core

import "time"

// Operational limits.
const (
	// DefaultRoom always exists for the lifetime of the process.
	DefaultRoom = "public-chat"

	// historyCapacity is the number of messages retained per room; the
	// oldest are evicted first.
	historyCapacity = 1000

	// DefaultHistoryOnJoin is how many messages a joining user receives.
	DefaultHistoryOnJoin = 100

	// maxUsernameLen is counted in characters after trimming.
	maxUsernameLen = 20

	maxRoomNameLen = 50

	// defaultUsername is used when join_public carries no username field.
	defaultUsername = "Guest"

	// maxMediaBytes bounds the decoded size of image and video payloads.
	maxMediaBytes = 5 * 1024 * 1024

	// base64DecodeRatio estimates decoded bytes from encoded length.
	base64DecodeRatio = 0.75

	rateWindow   = time.Second
	rateMaxSends = 6
)
