package preview

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"

	"github.com/jmylchreest/hlsforge/internal/artifact"
	"github.com/jmylchreest/hlsforge/internal/playlist"
)

// ErrNoMaster is returned when the files contain no master playlist.
var ErrNoMaster = errors.New("no master playlist in output")

var heightRe = regexp.MustCompile(`(\d{3,4})p`)

// Graph maps artifact names to their preview URLs for one transcode.
type Graph struct {
	registry *Registry
	token    string
	urls     map[string]string
	master   string
}

// BuildGraph registers files for local playback: segments first, then each
// resolution playlist rewritten to the segment URLs, then the master rewritten
// to the playlist URLs. Playlists may reference artifacts by local name or by
// remote reference; both are substituted. The input files are not modified.
func BuildGraph(registry *Registry, files []artifact.WrappedFile) (*Graph, error) {
	master, ok := artifact.FindRole(files, artifact.RoleVideo)
	if !ok {
		return nil, ErrNoMaster
	}

	g := &Graph{registry: registry, token: registry.NewToken(), urls: make(map[string]string)}

	register := func(name, contentType string, data []byte) (string, error) {
		u, err := registry.CreateObjectURL(g.token, name, contentType, data)
		if err != nil {
			g.Close()
			return "", err
		}
		g.urls[name] = u
		return u, nil
	}

	segmentRefs := make(map[string]string)
	for _, f := range files {
		if f.Role != artifact.RoleSegment {
			continue
		}
		u, err := register(f.Name, f.ContentType(), f.Data)
		if err != nil {
			return nil, err
		}
		addRefs(segmentRefs, f, u)
	}

	playlistRefs := make(map[string]string)
	for _, f := range files {
		if f.Role != artifact.RolePlaylist {
			continue
		}
		text := playlist.Rewrite(string(f.Data), segmentRefs)
		u, err := register(f.Name, f.ContentType(), []byte(text))
		if err != nil {
			return nil, err
		}
		addRefs(playlistRefs, f, u)
	}

	text := playlist.Rewrite(string(master.Data), playlistRefs)
	u, err := register(master.Name, master.ContentType(), []byte(text))
	if err != nil {
		return nil, err
	}
	g.master = u

	for _, f := range files {
		if f.Role == artifact.RolePoster || f.Role == artifact.RoleThumbnail {
			if _, err := register(f.Name, f.ContentType(), f.Data); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

func addRefs(refs map[string]string, f artifact.WrappedFile, u string) {
	refs[f.Name] = u
	if f.RemoteRef != "" {
		refs[f.RemoteRef] = u
	}
}

// Token returns the registry token grouping the graph's objects.
func (g *Graph) Token() string {
	return g.token
}

// MasterURL returns the URL of the rewritten master playlist.
func (g *Graph) MasterURL() string {
	return g.master
}

// URL returns the preview URL of an artifact, or "".
func (g *Graph) URL(name string) string {
	return g.urls[name]
}

// URLs returns a copy of the name to URL map.
func (g *Graph) URLs() map[string]string {
	out := make(map[string]string, len(g.urls))
	for k, v := range g.urls {
		out[k] = v
	}
	return out
}

// Close revokes every URL of the graph. It is safe to call more than once.
func (g *Graph) Close() {
	if g == nil {
		return
	}
	g.registry.RevokeAll(g.token)
}

// QualityOption is one entry of the player's quality menu.
type QualityOption struct {
	Label string `json:"label"`
	// Height is 0 for Auto.
	Height int `json:"height"`
}

// AutoQuality lets the player choose the variant.
var AutoQuality = QualityOption{Label: "Auto"}

// QualityOptions returns Auto followed by one option per resolution playlist,
// highest first. Heights come from the wrapped metadata, the file name, or as a
// last resort the master playlist.
func QualityOptions(files []artifact.WrappedFile) []QualityOption {
	heights := map[int]bool{}
	for _, f := range artifact.FilterRole(files, artifact.RolePlaylist) {
		if h := playlistHeight(f); h > 0 {
			heights[h] = true
		}
	}
	if len(heights) == 0 {
		if master, ok := artifact.FindRole(files, artifact.RoleVideo); ok {
			if entries, err := playlist.ParseMaster(master.Data); err == nil {
				for _, e := range entries {
					if h := e.Height(); h > 0 {
						heights[h] = true
					}
				}
			}
		}
	}

	sorted := make([]int, 0, len(heights))
	for h := range heights {
		sorted = append(sorted, h)
	}
	slices.Sort(sorted)
	slices.Reverse(sorted)

	options := []QualityOption{AutoQuality}
	for _, h := range sorted {
		options = append(options, QualityOption{Label: fmt.Sprintf("%dp", h), Height: h})
	}
	return options
}

func playlistHeight(f artifact.WrappedFile) int {
	if f.Resolution > 0 {
		return f.Resolution
	}
	if m := heightRe.FindStringSubmatch(f.Name); m != nil {
		h, _ := strconv.Atoi(m[1])
		return h
	}
	return 0
}
