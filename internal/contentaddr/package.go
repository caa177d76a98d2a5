package contentaddr

import (
	"errors"
	"fmt"

	"github.com/jmylchreest/hlsforge/internal/artifact"
	"github.com/jmylchreest/hlsforge/internal/ladder"
	"github.com/jmylchreest/hlsforge/internal/playlist"
)

// ErrNoVariants is returned when there is nothing to package.
var ErrNoVariants = errors.New("no variants to package")

// Variant is the raw output of one resolution's encode.
type Variant struct {
	Resolution ladder.Resolution
	Playlist   artifact.File
	Segments   []artifact.File
}

// Addressed is a file with its content address and gateway reference.
type Addressed struct {
	File      artifact.File
	Address   Address
	RemoteRef string
}

// SegmentIndex maps segment names to their addresses. It can only be obtained
// from HashSegments, so playlists cannot be rewritten before their segments
// are hashed.
type SegmentIndex struct {
	gateway string
	byName  map[string]Addressed
	order   []string
}

// Refs returns name to remote reference for Rewrite.
func (s *SegmentIndex) Refs() map[string]string {
	refs := make(map[string]string, len(s.byName))
	for name, a := range s.byName {
		refs[name] = a.RemoteRef
	}
	return refs
}

// Segments returns the addressed segments in hashing order.
func (s *SegmentIndex) Segments() []Addressed {
	out := make([]Addressed, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

// Lookup returns the addressed segment with the given name.
func (s *SegmentIndex) Lookup(name string) (Addressed, bool) {
	a, ok := s.byName[name]
	return a, ok
}

// HashedPlaylist is a resolution playlist that has been rewritten against a
// SegmentIndex and then hashed. It can only be obtained from RewritePlaylist.
type HashedPlaylist struct {
	resolution ladder.Resolution
	original   artifact.File
	addressed  Addressed
}

// Resolution returns the variant's resolution.
func (p HashedPlaylist) Resolution() ladder.Resolution { return p.resolution }

// Original returns the playlist as the encoder wrote it.
func (p HashedPlaylist) Original() artifact.File { return p.original }

// Addressed returns the rewritten playlist and its address.
func (p HashedPlaylist) Addressed() Addressed { return p.addressed }

// HashSegments addresses every segment. Duplicate names are rejected since
// they would make rewriting ambiguous.
func HashSegments(h Hasher, gateway string, segments []artifact.File) (*SegmentIndex, error) {
	idx := &SegmentIndex{gateway: gateway, byName: make(map[string]Addressed, len(segments))}
	for _, seg := range segments {
		if _, dup := idx.byName[seg.Name]; dup {
			return nil, fmt.Errorf("duplicate segment name %q", seg.Name)
		}
		addr, err := h.Hash(seg.Data)
		if err != nil {
			return nil, fmt.Errorf("hashing segment %s: %w", seg.Name, err)
		}
		idx.byName[seg.Name] = Addressed{File: seg, Address: addr, RemoteRef: RemoteRef(gateway, addr, seg.Name)}
		idx.order = append(idx.order, seg.Name)
	}
	return idx, nil
}

// RewritePlaylist substitutes segment references in a resolution playlist and
// hashes the rewritten text. The original bytes are left untouched.
func RewritePlaylist(h Hasher, idx *SegmentIndex, res ladder.Resolution, pl artifact.File) (HashedPlaylist, error) {
	rewritten := []byte(playlist.Rewrite(string(pl.Data), idx.Refs()))
	addr, err := h.Hash(rewritten)
	if err != nil {
		return HashedPlaylist{}, fmt.Errorf("hashing playlist %s: %w", pl.Name, err)
	}
	return HashedPlaylist{
		resolution: res,
		original:   pl,
		addressed: Addressed{
			File:      artifact.File{Name: pl.Name, Data: rewritten},
			Address:   addr,
			RemoteRef: RemoteRef(idx.gateway, addr, pl.Name),
		},
	}, nil
}

// BuildMaster renders and hashes the master playlist over hashed variant playlists.
func BuildMaster(h Hasher, gateway, name string, playlists []HashedPlaylist) (Addressed, error) {
	variants := make([]playlist.Variant, 0, len(playlists))
	for _, p := range playlists {
		variants = append(variants, playlist.Variant{
			Resolution: p.resolution,
			Address:    string(p.addressed.Address),
			URI:        p.addressed.RemoteRef,
		})
	}
	text, err := playlist.BuildMaster(variants)
	if err != nil {
		return Addressed{}, fmt.Errorf("building master playlist: %w", err)
	}
	addr, err := h.Hash([]byte(text))
	if err != nil {
		return Addressed{}, fmt.Errorf("hashing master playlist: %w", err)
	}
	return Addressed{
		File:      artifact.File{Name: name, Data: []byte(text)},
		Address:   addr,
		RemoteRef: RemoteRef(gateway, addr, name),
	}, nil
}

// Package is the complete addressed artifact graph of a session.
type Package struct {
	Segments  *SegmentIndex
	Playlists []HashedPlaylist
	Master    Addressed
}

// Build runs the packaging steps in their required order: hash every segment,
// rewrite each resolution playlist, hash the rewritten playlists, build the
// master, hash the master. Any hashing failure aborts the whole package.
func Build(h Hasher, gateway, masterName string, variants []Variant) (*Package, error) {
	if len(variants) == 0 {
		return nil, ErrNoVariants
	}

	var segments []artifact.File
	for _, v := range variants {
		segments = append(segments, v.Segments...)
	}
	idx, err := HashSegments(h, gateway, segments)
	if err != nil {
		return nil, err
	}

	playlists := make([]HashedPlaylist, 0, len(variants))
	for _, v := range variants {
		hp, err := RewritePlaylist(h, idx, v.Resolution, v.Playlist)
		if err != nil {
			return nil, err
		}
		playlists = append(playlists, hp)
	}

	master, err := BuildMaster(h, gateway, masterName, playlists)
	if err != nil {
		return nil, err
	}

	return &Package{Segments: idx, Playlists: playlists, Master: master}, nil
}
