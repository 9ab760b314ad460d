package fleet

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRoster(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testRoster(t *testing.T) (*Roster, string) {
	t.Helper()
	dir := t.TempDir()
	r := &Roster{
		ObserverList:      writeRoster(t, dir, "observers.csv", "Host,IP\nbarn-1,http://10.0.0.11:5000\nbarn-2,http://10.0.0.12:5000\n"),
		TagList:           writeRoster(t, dir, "tags.csv", "tag\naa:bb:cc:dd:ee:01\nAA-BB-CC-DD-EE-02\n"),
		TagStopList:       writeRoster(t, dir, "stop_tags.csv", "tag\naabbccddee01\n"),
		ObserverBlacklist: writeRoster(t, dir, "blacklist.csv", "Host\nbarn-2\n"),
	}
	return r, dir
}

// TestNormalizeTagAddr verifies the canonical colon-separated uppercase form.
func TestNormalizeTagAddr(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF", true},
		{"AA-BB-CC-DD-EE-FF", "AA:BB:CC:DD:EE:FF", true},
		{"aabbccddeeff", "AA:BB:CC:DD:EE:FF", true},
		{" aa:bb:cc:dd:ee:ff ", "AA:BB:CC:DD:EE:FF", true},
		{"aa:bb:cc:dd:ee", "", false},
		{"zz:bb:cc:dd:ee:ff", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeTagAddr(tc.in)
		if tc.ok && err != nil {
			t.Errorf("NormalizeTagAddr(%q) failed: %v", tc.in, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("NormalizeTagAddr(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeTagAddr(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestObservers verifies the name -> address map.
func TestObservers(t *testing.T) {
	r, _ := testRoster(t)
	obs, err := r.Observers()
	if err != nil {
		t.Fatalf("Observers failed: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("len(obs) = %d, want 2", len(obs))
	}
	if obs["barn-1"] != "http://10.0.0.11:5000" {
		t.Errorf("barn-1 addr = %q", obs["barn-1"])
	}
}

// TestTagsNormalized verifies tags come back in canonical form whatever
// the separator style in the file.
func TestTagsNormalized(t *testing.T) {
	r, _ := testRoster(t)
	tags, err := r.Tags()
	if err != nil {
		t.Fatalf("Tags failed: %v", err)
	}
	if !tags["AA:BB:CC:DD:EE:01"] || !tags["AA:BB:CC:DD:EE:02"] {
		t.Errorf("unexpected tag set: %v", tags)
	}
}

// TestStopTagsAndBlacklist verifies the live-editable lists.
func TestStopTagsAndBlacklist(t *testing.T) {
	r, dir := testRoster(t)

	stop, err := r.StopTags()
	if err != nil {
		t.Fatalf("StopTags failed: %v", err)
	}
	if !stop["AA:BB:CC:DD:EE:01"] {
		t.Errorf("stop set = %v, want AA:BB:CC:DD:EE:01", stop)
	}

	bl, err := r.Blacklist()
	if err != nil {
		t.Fatalf("Blacklist failed: %v", err)
	}
	if !bl["barn-2"] {
		t.Errorf("blacklist = %v, want barn-2", bl)
	}

	// Edits take effect on next read - no caching.
	writeRoster(t, dir, "stop_tags.csv", "tag\n")
	stop, err = r.StopTags()
	if err != nil {
		t.Fatalf("StopTags after edit failed: %v", err)
	}
	if len(stop) != 0 {
		t.Errorf("stop set after edit = %v, want empty", stop)
	}
}

// TestMissingOptionalLists verifies stop list and blacklist default to empty.
func TestMissingOptionalLists(t *testing.T) {
	r, _ := testRoster(t)
	r.TagStopList = filepath.Join(t.TempDir(), "missing.csv")
	r.ObserverBlacklist = filepath.Join(t.TempDir(), "missing.csv")

	stop, err := r.StopTags()
	if err != nil || len(stop) != 0 {
		t.Errorf("StopTags = %v, %v; want empty, nil", stop, err)
	}
	bl, err := r.Blacklist()
	if err != nil || len(bl) != 0 {
		t.Errorf("Blacklist = %v, %v; want empty, nil", bl, err)
	}
}

// TestMergePrefersStatic verifies operator configuration wins on collision.
func TestMergePrefersStatic(t *testing.T) {
	static := map[string]string{"barn-1": "http://10.0.0.11:5000"}
	discovered := []DiscoveredRelay{
		{Name: "barn-1", Addr: "http://10.0.0.99:5000"},
		{Name: "barn-3", Addr: "http://10.0.0.13:5000"},
	}
	merged := Merge(static, discovered)
	if merged["barn-1"] != "http://10.0.0.11:5000" {
		t.Errorf("barn-1 = %q, want static address", merged["barn-1"])
	}
	if merged["barn-3"] != "http://10.0.0.13:5000" {
		t.Errorf("barn-3 = %q, want discovered address", merged["barn-3"])
	}
}
