package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                    "/",
		"/metrics":                            "/metrics",
		"/v1/processes":                       "/v1/processes",
		"/v1/processes/01ABC":                 "/v1/processes/:id",
		"/v1/processes/01ABC/start":           "/v1/processes/:id/start",
		"/v1/processes/01ABC/complete-turn":   "/v1/processes/:id/complete-turn",
		"/v1/processes/01ABC/cancel":          "/v1/processes/:id/cancel",
		"/v1/processes/01ABC/dates":           "/v1/processes/:id/dates",
		"/v1/processes/01ABC/unknown":         "/v1/processes/01ABC/unknown",
		"/v1/stables/st-1/processes":          "/v1/stables/:id/processes",
		"/v1/stables/st-1/members":            "/v1/stables/:id/members",
		"/v1/stables/st-1/routine-instances":  "/v1/stables/:id/routine-instances",
		"/v1/routine-instances/i-42/assign":   "/v1/routine-instances/:id/assign",
		"/v1/turn-order/compute":              "/v1/turn-order/compute",
		"/v1/stables/st-1/processes?limit=10": "/v1/stables/:id/processes",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
