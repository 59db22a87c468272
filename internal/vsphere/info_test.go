package vsphere

import "testing"

func TestNosID(t *testing.T) {
	cases := []struct {
		prefix, mac, want string
	}{
		{"v", "00:50:56:9a:bc:de", "v0050569ABCDE"},
		{"lab", "AA:BB:CC:00:11:22", "labAABBCC001122"},
		{"v", "", ""},
	}
	for _, tc := range cases {
		if got := NosID(tc.prefix, tc.mac); got != tc.want {
			t.Errorf("NosID(%q, %q) = %q, want %q", tc.prefix, tc.mac, got, tc.want)
		}
	}
}

func TestSearchLink(t *testing.T) {
	got := SearchLink("vcenter.example.net", "win10 build 7")
	want := "https://vcenter.example.net/ui/#?extensionId=vsphere.core.search.domainView&query=win10+build+7&searchType=simple"
	if got != want {
		t.Errorf("SearchLink = %q, want %q", got, want)
	}
}

func TestUsableAddress(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"10.1.2.3", true},
		{"2001:db8::1", true},
		{"fe80::1", false},
		{"169.254.10.1", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := usableAddress(tc.addr); got != tc.want {
			t.Errorf("usableAddress(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}
