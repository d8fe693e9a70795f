package conversation

import "testing"

func TestKindForExternalID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		externalID string
		want       Kind
	}{
		{"5511999999999@s.whatsapp.net", KindIndividual},
		{"123456789-987654@g.us", KindGroup},
		{"status@broadcast", KindBroadcast},
		{"5511999999999", KindIndividual},
	}
	for _, tc := range cases {
		if got := KindForExternalID(tc.externalID); got != tc.want {
			t.Errorf("KindForExternalID(%q) = %q, want %q", tc.externalID, got, tc.want)
		}
	}
}
