package reconciler

import "testing"

func TestExtensionEnvPrefix(t *testing.T) {
	cases := map[string]string{
		"github":     "GITHUB",
		"Google-Oid": "GOOGLE_OID",
		"my.ext v2":  "MY_EXT_V2",
		"already_UP": "ALREADY_UP",
	}
	for in, want := range cases {
		if got := extensionEnvPrefix(in); got != want {
			t.Errorf("extensionEnvPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
