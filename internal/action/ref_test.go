package action

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		owner   string
		repo    string
		version string
		wantErr bool
	}{
		{in: "actions/checkout@v4", owner: "actions", repo: "checkout", version: "v4"},
		{in: "actions/checkout", owner: "actions", repo: "checkout", version: "latest"},
		{in: "https://github.com/actions/checkout", owner: "actions", repo: "checkout", version: "latest"},
		{in: "https://github.com/actions/checkout/", owner: "actions", repo: "checkout", version: "latest"},
		{in: "acme/widget@1a2b3c4d", owner: "acme", repo: "widget", version: "1a2b3c4d"},
		{in: "justaname", wantErr: true},
		{in: "too/many/parts@v1", wantErr: true},
		{in: "/repo@v1", wantErr: true},
		{in: "https://example.com/owner/repo", wantErr: true},
	}
	for _, tc := range cases {
		ref, err := Parse(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %+v", tc.in, ref)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.in, err)
			continue
		}
		if ref.Owner != tc.owner || ref.Repo != tc.repo || ref.Version != tc.version {
			t.Errorf("Parse(%q) = %+v, want %s/%s@%s", tc.in, ref, tc.owner, tc.repo, tc.version)
		}
	}
}

func TestWantsLatest(t *testing.T) {
	for _, v := range []string{"", "latest", "main", "master", "Prod", "production"} {
		if !(Ref{Owner: "a", Repo: "b", Version: v}).WantsLatest() {
			t.Errorf("version %q should count as latest", v)
		}
	}
	for _, v := range []string{"v4", "1a2b3c4", "release-2024"} {
		if (Ref{Owner: "a", Repo: "b", Version: v}).WantsLatest() {
			t.Errorf("version %q should not count as latest", v)
		}
	}
}

func TestSafeName(t *testing.T) {
	r := Resolved{Ref: Ref{Owner: "actions", Repo: "checkout"}, Version: "v4.1.0"}
	if got := r.SafeName(); got != "actions-checkout_v4.1.0" {
		t.Fatalf("SafeName = %q", got)
	}
}
