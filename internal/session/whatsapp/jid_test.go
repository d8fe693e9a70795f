package whatsapp

import "testing"

func TestParseJID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "5511999999999@s.whatsapp.net", want: "5511999999999@s.whatsapp.net"},
		{in: "123456789-1234@g.us", want: "123456789-1234@g.us"},
		{in: "5511999999999", want: "5511999999999@s.whatsapp.net"},
		{in: "+55 (11) 99999-9999", want: "5511999999999@s.whatsapp.net"},
		{in: "123", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		jid, err := parseJID(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseJID(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseJID(%q): %v", tc.in, err)
		}
		if jid.String() != tc.want {
			t.Fatalf("parseJID(%q) = %q, want %q", tc.in, jid.String(), tc.want)
		}
	}
}
