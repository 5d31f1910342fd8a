package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dchest/safefile"
	"github.com/jedisct1/dlog"
	"github.com/jedisct1/go-minisign"
)

// HintsSource keeps the root hints fresh from a signed remote copy of the
// named.root file, falling back to a cached copy when the network or the
// signature check fails.
type HintsSource struct {
	url          string
	minisignKey  minisign.PublicKey
	cacheFile    string
	refreshDelay time.Duration
}

func NewHintsSource(urlStr string, minisignKeyStr string, cacheFile string, refreshDelay time.Duration) (*HintsSource, error) {
	if len(minisignKeyStr) == 0 {
		return nil, fmt.Errorf("Missing Minisign key for the hints source")
	}
	if len(cacheFile) == 0 {
		return nil, fmt.Errorf("Missing cache file for the hints source")
	}
	minisignKey, err := minisign.NewPublicKey(minisignKeyStr)
	if err != nil {
		return nil, err
	}
	if refreshDelay < time.Hour {
		refreshDelay = 72 * time.Hour
	}
	return &HintsSource{
		url:          urlStr,
		minisignKey:  minisignKey,
		cacheFile:    cacheFile,
		refreshDelay: refreshDelay,
	}, nil
}

func fetchFromCache(cacheFile string) ([]byte, error) {
	dlog.Infof("Loading the hints from cache file [%s]", cacheFile)
	return os.ReadFile(cacheFile)
}

func fetchWithCache(url string, cacheFile string, refreshDelay time.Duration) (in []byte, cached bool, err error) {
	usableCache := false
	if fi, statErr := os.Stat(cacheFile); statErr == nil {
		usableCache = true
		elapsed := time.Since(fi.ModTime())
		if elapsed < refreshDelay && elapsed >= 0 {
			if in, err = fetchFromCache(cacheFile); err == nil {
				return in, true, nil
			}
		}
	}
	dlog.Infof("Loading the hints from URL [%s]", url)
	resp, err := http.Get(url)
	if err == nil && resp.StatusCode >= 400 {
		err = fmt.Errorf("Webserver returned code %d for [%s]", resp.StatusCode, url)
	}
	if err == nil {
		in, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
	}
	if err != nil {
		if usableCache {
			in, cacheErr := fetchFromCache(cacheFile)
			if cacheErr == nil {
				return in, true, nil
			}
		}
		return nil, false, err
	}
	return in, false, nil
}

func AtomicFileWrite(file string, data []byte) error {
	return safefile.WriteFile(file, data, 0644)
}

// Refresh fetches the hints file and its detached signature, verifies the
// signature, and returns the parsed server set. Freshly fetched copies are
// stored atomically so the next offline start still has valid hints.
func (source *HintsSource) Refresh() ([]RootServer, error) {
	in, cached, err := fetchWithCache(source.url, source.cacheFile, source.refreshDelay)
	if err != nil {
		return nil, err
	}
	sigCacheFile := source.cacheFile + ".minisig"
	sigURL := source.url + ".minisig"
	sigBin, sigCached, err := fetchWithCache(sigURL, sigCacheFile, source.refreshDelay)
	if err != nil {
		return nil, err
	}
	signature, err := minisign.DecodeSignature(string(sigBin))
	if err != nil {
		return nil, err
	}
	if valid, err := source.minisignKey.Verify(in, signature); err != nil || !valid {
		if err == nil {
			err = fmt.Errorf("Invalid signature for [%s]", source.url)
		}
		return nil, err
	}
	servers, err := ParseRootHints(string(in))
	if err != nil {
		return nil, err
	}
	if !cached {
		if err = AtomicFileWrite(source.cacheFile, in); err != nil {
			dlog.Warnf("Unable to write the hints cache file: [%v]", err)
		}
	}
	if !sigCached {
		if err = AtomicFileWrite(sigCacheFile, sigBin); err != nil {
			dlog.Warnf("Unable to write the hints signature cache file: [%v]", err)
		}
	}
	return servers, nil
}
