package api

import "testing"

func TestObjectURLModes(t *testing.T) {
	cases := []struct {
		name string
		mode string
		cdn  string
		want string
	}{
		{
			name: "omit bucket",
			mode: CDNModeOmitBucket,
			cdn:  "https://cdn.example.com",
			want: "https://cdn.example.com/outputs/runs/abc/a.png",
		},
		{
			name: "virtual host",
			mode: CDNModeVirtualHost,
			cdn:  "https://nyc3.cdn.digitaloceanspaces.com",
			want: "https://renderd.nyc3.cdn.digitaloceanspaces.com/outputs/runs/abc/a.png",
		},
		{
			name: "path style",
			mode: CDNModePathStyle,
			cdn:  "https://cdn.example.com",
			want: "https://cdn.example.com/renderd/outputs/runs/abc/a.png",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := NewURLResolver("https://storage.example.com", tc.cdn, "renderd", tc.mode)
			if err != nil {
				t.Fatalf("NewURLResolver: %v", err)
			}
			got := r.ObjectURL("outputs/runs/abc/a.png")
			if got != tc.want {
				t.Errorf("ObjectURL = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewURLResolverValidation(t *testing.T) {
	if _, err := NewURLResolver("", "", "renderd", CDNModePathStyle); err == nil {
		t.Error("expected error for missing cdn endpoint")
	}
	if _, err := NewURLResolver("", "https://cdn.example.com", "", CDNModePathStyle); err == nil {
		t.Error("expected error for missing bucket")
	}
	if _, err := NewURLResolver("", "https://cdn.example.com", "renderd", "inline"); err == nil {
		t.Error("expected error for unknown mode")
	}

	// Empty mode defaults to path style.
	r, err := NewURLResolver("", "https://cdn.example.com", "renderd", "")
	if err != nil {
		t.Fatalf("NewURLResolver: %v", err)
	}
	if got := r.ObjectURL("k"); got != "https://cdn.example.com/renderd/k" {
		t.Errorf("default mode ObjectURL = %q", got)
	}
}

func TestRewrite(t *testing.T) {
	r, err := NewURLResolver("https://storage.example.com", "https://cdn.example.com", "renderd", CDNModeOmitBucket)
	if err != nil {
		t.Fatalf("NewURLResolver: %v", err)
	}

	cases := []struct {
		in   string
		want string
	}{
		{
			in:   "https://storage.example.com/renderd/outputs/runs/abc/a.png",
			want: "https://cdn.example.com/outputs/runs/abc/a.png",
		},
		{
			in:   "https://storage.example.com/other/key.png",
			want: "https://cdn.example.com/other/key.png",
		},
		{
			in:   "https://elsewhere.example.com/key.png",
			want: "https://elsewhere.example.com/key.png",
		},
	}
	for _, tc := range cases {
		if got := r.Rewrite(tc.in); got != tc.want {
			t.Errorf("Rewrite(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStorageKeys(t *testing.T) {
	if got := RunOutputKey("abc", "a.png"); got != "outputs/runs/abc/a.png" {
		t.Errorf("RunOutputKey = %q", got)
	}
	if got := RunThumbnailKey("abc", "a.png"); got != "outputs/runs/abc/thumbnails/a.png" {
		t.Errorf("RunThumbnailKey = %q", got)
	}
	if got := UploadKey("temp_x.png"); got != "uploads/temp_x.png" {
		t.Errorf("UploadKey = %q", got)
	}
}
