package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/shop-discount/internal/domain/discount"
)

func writeGz(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return path
}

func TestSplitCodes(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeGz(t, dir, "a.gz", "SPRING10", "SHARED", "ONLYA", "ONLYA"),
		writeGz(t, dir, "b.gz", "SHARED", "", "ONLYB"),
		writeGz(t, dir, "c.gz", "SPRING10", "ONLYC"),
	}

	unique, duplicates, err := splitCodes(context.Background(), files, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"ONLYA", "ONLYB", "ONLYC"}, unique)
	assert.Equal(t, []string{"SHARED", "SPRING10"}, duplicates)
}

func TestSplitCodes_SingleFile(t *testing.T) {
	dir := t.TempDir()
	files := []string{writeGz(t, dir, "a.gz", "B", "A", "B")}

	unique, duplicates, err := splitCodes(context.Background(), files, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, unique)
	assert.Empty(t, duplicates)
}

func TestStreamGzFile_CodeTooLong(t *testing.T) {
	dir := t.TempDir()
	path := writeGz(t, dir, "a.gz", "OK", strings.Repeat("X", maxCodeLen+1))

	var got []string
	_, err := streamGzFile(context.Background(), path, func(code string) { got = append(got, code) })
	require.ErrorContains(t, err, "a.gz:2")
	assert.Equal(t, []string{"OK"}, got)
}

type recordingStore struct {
	batches [][]string
}

func (s *recordingStore) CreateCodes(_ context.Context, _ *discount.Code, codes []string) (int64, error) {
	s.batches = append(s.batches, append([]string(nil), codes...))
	return int64(len(codes)), nil
}

func TestWriteCodes_Batches(t *testing.T) {
	store := &recordingStore{}
	template := &discount.Code{Definition: discount.Definition{ID: "tpl"}}

	err := writeCodes(context.Background(), store, template, []string{"A", "B", "C", "D", "E"}, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A", "B"}, {"C", "D"}, {"E"}}, store.batches)
}
