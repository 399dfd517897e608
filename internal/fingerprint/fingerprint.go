// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com

// Package fingerprint computes the 16-byte content digests used as stable
// identity components throughout the catalog: file contents, byte/line
// spans, the tool-environment tuple, and the workspace as a whole.
//
// Every digest is sha256.Sum256 truncated to 16 bytes, so catalog
// identifiers stay compact while remaining collision-safe for a single
// workspace's lifetime.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
)

// Digest is a 16-byte content hash, always handled as its hex form.
type Digest string

// digest hashes the concatenation of parts, each separated by a NUL byte
// so that ("ab", "c") and ("a", "bc") never collide.
func digest(parts ...string) Digest {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return Digest(hex.EncodeToString(sum[:16]))
}

// File computes the content digest of a file's bytes.
func File(content []byte) Digest {
	h := sha256.Sum256(content)
	return Digest(hex.EncodeToString(h[:16]))
}

// Span computes the digest of a byte span (a function/method body, a
// signature, or any other normalized text region).
func Span(text string) Digest {
	return digest(text)
}

// ToolEnvironment computes the digest of the tool/environment tuple that
// must be stable across runs for identical inputs: tool_version,
// extractor_hash, feature_set (order-independent), and target_triple,
// plus a configuration snapshot.
func ToolEnvironment(toolVersion, extractorHash string, featureSet []string, targetTriple, configSnapshot string) Digest {
	sorted := append([]string(nil), featureSet...)
	sort.Strings(sorted)
	parts := []string{toolVersion, extractorHash, targetTriple, configSnapshot}
	parts = append(parts, sorted...)
	return digest(parts...)
}

// Workspace computes the digest over member unit names and roots,
// sorted so that enumeration order never affects identity.
func Workspace(members map[string]string) Digest {
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names)*2)
	for _, name := range names {
		parts = append(parts, name, members[name])
	}
	return digest(parts...)
}

// Unit computes a unit's fingerprint from its identity and source state:
// name, version, the sorted digests of its files, and the
// tool-environment tuple digest.
func Unit(name, version string, fileDigests []Digest, toolEnv Digest) Digest {
	sorted := make([]string, len(fileDigests))
	for i, d := range fileDigests {
		sorted[i] = string(d)
	}
	sort.Strings(sorted)
	parts := append([]string{name, version, string(toolEnv)}, sorted...)
	return digest(parts...)
}

// SymbolID computes the stable 16-byte identity of a symbol from its
// defining components: the tool fingerprint, canonical_path, kind,
// file_digest, and the span bounds.
func SymbolID(toolFingerprint Digest, canonicalPath, kind string, fileDigest Digest, spanStart, spanEnd int) Digest {
	return digest(
		string(toolFingerprint),
		canonicalPath,
		kind,
		string(fileDigest),
		strconv.Itoa(spanStart),
		strconv.Itoa(spanEnd),
	)
}

// DefHash computes the change-detection hash over a symbol's normalized
// signature and span text, used to detect definition-level change
// without a full reingest.
func DefHash(signature, spanText string) Digest {
	return digest(signature, spanText)
}
