package model

import "testing"

func TestIngestURL(t *testing.T) {
	cases := []struct {
		name string
		s    Stream
		want string
	}{
		{"joined", Stream{RTMPURL: "rtmp://a.rtmp.youtube.com/live2", StreamKey: "abcd"}, "rtmp://a.rtmp.youtube.com/live2/abcd"},
		{"trailing slash", Stream{RTMPURL: "rtmp://host/live/", StreamKey: "k"}, "rtmp://host/live/k"},
		{"key already present", Stream{RTMPURL: "rtmp://host/live/k", StreamKey: "k"}, "rtmp://host/live/k"},
		{"no key", Stream{RTMPURL: "rtmp://host/live"}, "rtmp://host/live"},
	}
	for _, tc := range cases {
		if got := tc.s.IngestURL(); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []StreamStatus{StreamStatusCompleted, StreamStatusFailed, StreamStatusInterrupted} {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []StreamStatus{StreamStatusScheduled, StreamStatusActive} {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
