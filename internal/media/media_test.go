package media

import (
	"reflect"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		want ContentType
	}{
		{"001.JPG", ContentImage},
		{"dir/page.webp", ContentImage},
		{`dir\page.png`, ContentImage},
		{"anim.gif", ContentAnimated},
		{"clip.mp4", ContentVideo},
		{"nested.cbz", ContentArchive},
		{"notes.txt", ContentUnknown},
		{"noext", ContentUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.name); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestIsPage(t *testing.T) {
	if !IsPage("a.jpg") || !IsPage("a.gif") || !IsPage("a.mkv") {
		t.Error("expected images, gifs and videos to be pages")
	}
	if IsPage("a.zip") || IsPage("thumbs.db") {
		t.Error("archives and unknown files are not pages")
	}
}

func TestMimeType(t *testing.T) {
	if got := MimeType("x.JPEG"); got != "image/jpeg" {
		t.Errorf("MimeType = %q", got)
	}
	if got := MimeType("x.bin"); got != "application/octet-stream" {
		t.Errorf("MimeType = %q", got)
	}
}

func TestSortNatural(t *testing.T) {
	names := []string{"page10.jpg", "page2.jpg", "Page1.jpg", "page002b.jpg", "cover.jpg", "page02.jpg"}
	SortNatural(names)

	want := []string{"cover.jpg", "Page1.jpg", "page02.jpg", "page2.jpg", "page002b.jpg", "page10.jpg"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("SortNatural = %v, want %v", names, want)
	}
}
