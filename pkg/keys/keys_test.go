package keys

import "testing"

func TestPatternsAreBitExact(t *testing.T) {
	ns := Namespace("T")

	cases := map[string]string{
		ns.Lock():            "STORAGE_PROCESSOR_T",
		ns.Queue("Q"):        "T-Q-Q",
		ns.Processing("Q"):   "T-QP-Q",
		ns.QueueChannel("Q"): "T-Q-Q-CHANNEL",
		ns.Value("k"):        "T-VAL-k",
		ns.State("k"):        "T-STATE-k",
		ns.StateDelta("k"):   "T-STATE-k-DELTA",
		ns.Map("k"):          "T-MAP-k",
		ns.Set("k"):          "T-SET-k",
	}

	for got, want := range cases {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
