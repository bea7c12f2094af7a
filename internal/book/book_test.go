package book

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jackzampolin/leaf/internal/archive"
	"github.com/jackzampolin/leaf/internal/media"
	"github.com/jackzampolin/leaf/internal/testutil"
)

func pagesBook(n int) *Context {
	pages := make([]PageInfo, n)
	for i := range pages {
		pages[i] = PageInfo{Index: i}
	}
	return newContext("/books/test", TypeDirectory, pages)
}

func TestGotoDirection(t *testing.T) {
	c := pagesBook(20)

	if !c.Goto(10) || c.Direction != 1 {
		t.Fatalf("Goto(10): index=%d dir=%d", c.CurrentIndex, c.Direction)
	}
	if !c.Goto(4) || c.Direction != -1 {
		t.Fatalf("Goto(4): dir=%d", c.Direction)
	}
	// Same index keeps the previous direction.
	if !c.Goto(4) || c.Direction != -1 {
		t.Fatalf("Goto(4) again: dir=%d", c.Direction)
	}
	if c.Goto(20) || c.Goto(-1) {
		t.Error("out of range Goto should fail")
	}
	if c.CurrentIndex != 4 {
		t.Errorf("failed Goto moved the book to %d", c.CurrentIndex)
	}
}

func TestNextPrev(t *testing.T) {
	c := pagesBook(3)
	if info := c.Info(); !info.AtStart || info.AtEnd {
		t.Errorf("fresh book info = %+v", info)
	}
	if c.Prev() {
		t.Error("Prev at first page should fail")
	}
	if !c.Next() || !c.Next() || c.Next() {
		t.Error("Next should succeed twice then fail")
	}
	if !c.IsLast() || c.Direction != 1 {
		t.Errorf("index=%d dir=%d", c.CurrentIndex, c.Direction)
	}
	if p, ok := c.Current(); !ok || p.Index != 2 {
		t.Errorf("Current = %+v, %v", p, ok)
	}
	if info := c.Info(); info.AtStart || !info.AtEnd {
		t.Errorf("info at last page = %+v", info)
	}
	if !c.Prev() || c.Direction != -1 || c.CurrentIndex != 1 {
		t.Errorf("after Prev: index=%d dir=%d", c.CurrentIndex, c.Direction)
	}
}

func TestPreloadWindow(t *testing.T) {
	tests := []struct {
		name   string
		from   int
		to     int
		ahead  int
		behind int
		pages  int
		want   []int
	}{
		{"forward", 0, 10, 5, 5, 20, []int{11, 12, 13, 14, 15, 9, 8, 7, 6, 5}},
		{"backward", 15, 10, 3, 2, 20, []int{9, 8, 7, 11, 12}},
		{"clipped at end", 0, 18, 5, 1, 20, []int{19, 17}},
		{"clipped at start", 5, 1, 3, 3, 20, []int{0, 2, 3, 4}},
		{"empty window", 0, 3, 0, 0, 20, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := pagesBook(tt.pages)
			c.Goto(tt.from)
			c.Goto(tt.to)
			got := c.PreloadWindow(tt.ahead, tt.behind)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("PreloadWindow = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFromDirectory(t *testing.T) {
	dir := testutil.WriteDir(t, t.TempDir(), []testutil.File{
		{Name: "p10.jpg", Data: []byte("10")},
		{Name: "p2.png", Data: []byte("2")},
		{Name: "p1.jpg", Data: []byte("1")},
		{Name: "notes.txt", Data: []byte("n")},
		{Name: ".hidden.jpg", Data: []byte("h")},
		{Name: "sub/p0.jpg", Data: []byte("s")},
	})

	c, err := FromDirectory(dir)
	if err != nil {
		t.Fatalf("FromDirectory() error = %v", err)
	}
	var names []string
	for _, p := range c.Pages {
		names = append(names, p.Name)
	}
	if want := []string{"p1.jpg", "p2.png", "p10.jpg"}; !reflect.DeepEqual(names, want) {
		t.Errorf("pages = %v, want %v", names, want)
	}
	if c.Pages[2].InnerPath != filepath.Join(dir, "p10.jpg") || c.Pages[2].Size != 2 {
		t.Errorf("page 2 = %+v", c.Pages[2])
	}
	if info := c.Info(); info.Type != TypeDirectory || info.TotalPages != 3 {
		t.Errorf("info = %+v", info)
	}

	if _, err := FromDirectory(t.TempDir()); !errors.Is(err, ErrNoPages) {
		t.Errorf("empty dir error = %v", err)
	}
}

func TestFromArchive(t *testing.T) {
	path := testutil.WriteZip(t, filepath.Join(t.TempDir(), "book.cbz"), []testutil.File{
		{Name: "ch1/010.jpg", Data: []byte("b")},
		{Name: "ch1/002.jpg", Data: []byte("a")},
		{Name: "extra.cbz", Data: []byte("nested")},
		{Name: "clip.webm", Data: []byte("v")},
	})
	a := archive.New(archive.Config{Logger: testutil.Logger()})
	defer a.Close()
	ix, err := a.Index(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}

	c := FromArchive(path, ix, testutil.Logger())
	if c.Type != TypeArchive || c.Len() != 3 {
		t.Fatalf("type=%s pages=%d", c.Type, c.Len())
	}
	want := []string{"ch1/002.jpg", "ch1/010.jpg", "clip.webm"}
	for i, w := range want {
		if c.Pages[i].InnerPath != w || c.Pages[i].Index != i {
			t.Errorf("page %d = %+v, want %s", i, c.Pages[i], w)
		}
	}
	if c.Pages[0].Name != "002.jpg" {
		t.Errorf("name = %q", c.Pages[0].Name)
	}
	if c.Pages[2].ContentType != media.ContentVideo {
		t.Errorf("content type = %s", c.Pages[2].ContentType)
	}
}

func TestFromSingleFile(t *testing.T) {
	dir := testutil.WriteDir(t, t.TempDir(), []testutil.File{
		{Name: "cover.png", Data: []byte("png")},
		{Name: "trailer.mp4", Data: []byte("mp4")},
	})

	img := FromSingleFile(filepath.Join(dir, "cover.png"))
	if img.Type != TypeSingleImage || img.Len() != 1 || img.Pages[0].Size != 3 {
		t.Errorf("image book = %+v", img)
	}
	vid := FromSingleFile(filepath.Join(dir, "trailer.mp4"))
	if vid.Type != TypeSingleVideo {
		t.Errorf("video book type = %s", vid.Type)
	}
}
