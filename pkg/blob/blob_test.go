package blob

import (
	"encoding/json"
	"testing"
)

func TestFingerprintTextRoundTrip(t *testing.T) {
	fp := Commit(EncodingVersion, 4, 2, 1234, []Digest{DigestOf([]byte("a")), DigestOf([]byte("b"))})
	parsed, err := ParseFingerprint(fp.String())
	if err != nil {
		t.Fatalf("ParseFingerprint: %v", err)
	}
	if parsed != fp {
		t.Fatalf("round trip mismatch")
	}
	if _, err := ParseFingerprint("short"); err == nil {
		t.Fatalf("expected error for malformed fingerprint")
	}
}

func TestCommitBindsEncoding(t *testing.T) {
	digests := []Digest{DigestOf([]byte("x")), DigestOf([]byte("y")), DigestOf([]byte("z"))}
	base := Commit(EncodingVersion, 2, 1, 10, digests)
	if Commit(EncodingVersion, 2, 1, 10, digests) != base {
		t.Fatalf("commit not deterministic")
	}
	if Commit(EncodingVersion, 1, 2, 10, digests) == base {
		t.Fatalf("commit ignores k/m")
	}
	if Commit(EncodingVersion, 2, 1, 11, digests) == base {
		t.Fatalf("commit ignores size")
	}
	swapped := []Digest{digests[1], digests[0], digests[2]}
	if Commit(EncodingVersion, 2, 1, 10, swapped) == base {
		t.Fatalf("commit ignores shard order")
	}
}

func TestMetadataJSON(t *testing.T) {
	meta := Metadata{
		Size:      5,
		K:         2,
		M:         1,
		Version:   EncodingVersion,
		ShardSize: 3,
		Padding:   1,
		Digests:   []Digest{DigestOf([]byte("ab")), DigestOf([]byte("c")), DigestOf([]byte("p"))},
		EndEpoch:  7,
	}
	meta.Fingerprint = meta.Commitment()
	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Metadata
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Fingerprint != meta.Fingerprint || decoded.Commitment() != meta.Fingerprint {
		t.Fatalf("fingerprint lost in JSON")
	}
	if !decoded.Expired(7) || decoded.Expired(6) {
		t.Fatalf("expiry boundary wrong")
	}
}

func TestShardValid(t *testing.T) {
	s := Shard{Index: 1, Data: []byte("hello"), Digest: DigestOf([]byte("hello"))}
	if !s.Valid() {
		t.Fatalf("expected valid shard")
	}
	s.Data[0] = 'j'
	if s.Valid() {
		t.Fatalf("corruption not detected")
	}
}
