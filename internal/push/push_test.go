package push

import (
	"context"
	"testing"
)

func TestNotificationData(t *testing.T) {
	tests := []struct {
		name string
		n    Notification
		want map[string]string
	}{
		{
			name: "direct video call",
			n: Notification{
				UserID:     "user-b",
				CallID:     "call-1",
				CallerID:   "user-a",
				CallerName: "Alice",
				CallType:   "video",
			},
			want: map[string]string{
				"type":        "incoming_call",
				"call_id":     "call-1",
				"caller_id":   "user-a",
				"caller_name": "Alice",
				"call_type":   "video",
				"is_group":    "false",
			},
		},
		{
			name: "group voice call",
			n: Notification{
				UserID:     "user-c",
				CallID:     "call-2",
				CallerID:   "user-a",
				CallerName: "Alice",
				CallType:   "voice",
				IsGroup:    true,
			},
			want: map[string]string{
				"type":        "incoming_call",
				"call_id":     "call-2",
				"caller_id":   "user-a",
				"caller_name": "Alice",
				"call_type":   "voice",
				"is_group":    "true",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.n.Data()
			if len(got) != len(tt.want) {
				t.Fatalf("got %d fields, want %d", len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("data[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestNoopDispatcher(t *testing.T) {
	if err := (NoopDispatcher{}).Notify(context.Background(), Notification{UserID: "user-b"}); err != nil {
		t.Errorf("Notify: %v", err)
	}
}

func TestLogDispatcher(t *testing.T) {
	d := LogDispatcher{}
	if err := d.Notify(context.Background(), Notification{
		UserID:   "user-b",
		CallID:   "call-1",
		CallType: "video",
	}); err != nil {
		t.Errorf("Notify: %v", err)
	}
}
