package notifier

import "time"

// Alert channels.
const (
	ChannelDefault      = "default"
	ChannelBenchmark    = "benchmark"
	ChannelFluctuation  = "fluctuation"
	ChannelConnectivity = "connectivity"
	ChannelUsage        = "usage"
)

// Config controls the webhook sink.
type Config struct {
	// Webhooks maps channel name to a Feishu webhook URL.
	Webhooks        map[string]string
	Timeout         time.Duration // per send, including the rate-limit wait; default 5s
	RatePerSec      int           // default 5
	DedupWindow     time.Duration // 0 disables duplicate suppression
	DedupMaxEntries int
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
	Status  string    `json:"status"`
}

// AlertEvent is published on the event bus after each delivery attempt.
type AlertEvent struct {
	Channel string    `json:"channel"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

type feishuMessage struct {
	MsgType string        `json:"msg_type"`
	Content feishuContent `json:"content"`
}

type feishuContent struct {
	Text string `json:"text"`
}
