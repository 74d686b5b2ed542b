package s3gw

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/engine"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Metadata headers added to every object.
const (
	headerFingerprint = "X-Amz-Meta-Xblob-Fingerprint"
	headerEndEpoch    = "X-Amz-Meta-Xblob-End-Epoch"
)

// BackendOptions control how objects become blobs.
type BackendOptions struct {
	// Epochs each new blob is paid for.
	Epochs uint64
	// Deletable blobs are released when their last key goes away.
	Deletable bool
	Logger    zerolog.Logger
}

// Backend implements gofakes3.Backend + MultipartBackend on top of an
// Engine. Objects are stored as blobs and Index maps keys to fingerprints.
type Backend struct {
	engine *engine.Engine
	index  Index
	opts   BackendOptions

	uploadSeq uint64
	mu        sync.Mutex
	uploads   map[gofakes3.UploadID]*upload
}

var (
	_ gofakes3.Backend          = (*Backend)(nil)
	_ gofakes3.MultipartBackend = (*Backend)(nil)
)

// NewBackend wraps e and index with an S3-compatible backend.
func NewBackend(e *engine.Engine, index Index, opts BackendOptions) *Backend {
	return &Backend{engine: e, index: index, opts: opts, uploads: map[gofakes3.UploadID]*upload{}}
}

func (b *Backend) ListBuckets() ([]gofakes3.BucketInfo, error) {
	entries, err := b.index.Buckets()
	if err != nil {
		return nil, err
	}
	buckets := make([]gofakes3.BucketInfo, 0, len(entries))
	for _, e := range entries {
		buckets = append(buckets, gofakes3.BucketInfo{
			Name:         e.Name,
			CreationDate: gofakes3.NewContentTime(e.Created),
		})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Name < buckets[j].Name
	})
	return buckets, nil
}

func (b *Backend) ListBucket(name string, prefix *gofakes3.Prefix, page gofakes3.ListBucketPage) (*gofakes3.ObjectList, error) {
	if prefix == nil {
		prefix = &gofakes3.Prefix{}
	}
	objects, err := b.index.List(name)
	if err != nil {
		return nil, b.translate(err, name, "")
	}
	limit := int(page.MaxKeys)
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	results := gofakes3.NewObjectList()
	seenPrefixes := make(map[string]struct{})
	marker := page.Marker
	var lastKey string
	count := 0
	for _, item := range objects {
		if marker != "" && item.Key <= marker {
			continue
		}
		match := gofakes3.PrefixMatch{Key: item.Key, MatchedPart: item.Key}
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(item.Key, &match) {
				continue
			}
		}
		if match.CommonPrefix {
			if _, ok := seenPrefixes[match.MatchedPart]; ok {
				continue
			}
			seenPrefixes[match.MatchedPart] = struct{}{}
			if count < limit {
				results.AddPrefix(match.MatchedPart)
				count++
			} else {
				results.IsTruncated = true
				lastKey = match.MatchedPart
				break
			}
			continue
		}
		if count < limit {
			results.Add(&gofakes3.Content{
				Key:          item.Key,
				LastModified: gofakes3.NewContentTime(item.Record.Modified),
				Size:         item.Record.Size,
				ETag:         gofakes3.FormatETag(item.Record.ETag),
			})
			count++
			lastKey = item.Key
		} else {
			results.IsTruncated = true
			lastKey = item.Key
			break
		}
	}
	if results.IsTruncated {
		results.NextMarker = lastKey
	}
	return results, nil
}

func (b *Backend) CreateBucket(name string) error {
	if err := gofakes3.ValidateBucketName(name); err != nil {
		return err
	}
	if err := b.index.CreateBucket(name); err != nil {
		return b.translate(err, name, "")
	}
	return nil
}

func (b *Backend) BucketExists(name string) (bool, error) {
	return b.index.BucketExists(name)
}

func (b *Backend) DeleteBucket(name string) error {
	if _, err := b.index.DeleteBucket(name, false); err != nil {
		return b.translate(err, name, "")
	}
	return nil
}

func (b *Backend) ForceDeleteBucket(name string) error {
	removed, err := b.index.DeleteBucket(name, true)
	if err != nil {
		return b.translate(err, name, "")
	}
	for i := range removed {
		b.release(context.Background(), &removed[i])
	}
	return nil
}

func (b *Backend) GetObject(bucket, object string, rangeRequest *gofakes3.ObjectRangeRequest) (*gofakes3.Object, error) {
	ctx := context.Background()
	rec, err := b.index.Get(bucket, object)
	if err != nil {
		return nil, b.translate(err, bucket, object)
	}
	rng, err := b.rangeForObject(rangeRequest, rec.Size)
	if err != nil {
		return nil, err
	}
	data, err := b.engine.Read(ctx, rec.Fingerprint)
	if err != nil {
		return nil, b.translate(err, bucket, object)
	}
	return b.buildObjectResponse(ctx, object, rec, data, rng)
}

func (b *Backend) HeadObject(bucket, object string) (*gofakes3.Object, error) {
	ctx := context.Background()
	rec, err := b.index.Get(bucket, object)
	if err != nil {
		return nil, b.translate(err, bucket, object)
	}
	return b.buildObjectResponse(ctx, object, rec, nil, nil)
}

func (b *Backend) DeleteObject(bucket, object string) (gofakes3.ObjectDeleteResult, error) {
	prev, err := b.index.Delete(bucket, object)
	if err != nil {
		return gofakes3.ObjectDeleteResult{}, b.translate(err, bucket, object)
	}
	b.release(context.Background(), prev)
	return gofakes3.ObjectDeleteResult{}, nil
}

func (b *Backend) PutObject(bucket, key string, meta map[string]string, input io.Reader, _ int64, conditions *gofakes3.PutConditions) (gofakes3.PutObjectResult, error) {
	if exists, err := b.index.BucketExists(bucket); err != nil {
		return gofakes3.PutObjectResult{}, err
	} else if !exists {
		return gofakes3.PutObjectResult{}, gofakes3.BucketNotFound(bucket)
	}
	if conditions != nil {
		info, err := b.objectInfo(bucket, key)
		if err != nil {
			return gofakes3.PutObjectResult{}, err
		}
		if err := gofakes3.CheckPutConditions(conditions, info); err != nil {
			return gofakes3.PutObjectResult{}, err
		}
	}
	hasher := md5.New()
	data, err := io.ReadAll(io.TeeReader(input, hasher))
	if err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	if err := b.store(context.Background(), bucket, key, data, hasher.Sum(nil), meta); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	return gofakes3.PutObjectResult{}, nil
}

// store writes data as a blob and points key at it.
func (b *Backend) store(ctx context.Context, bucket, key string, data, etag []byte, meta map[string]string) error {
	res, err := b.engine.Store(ctx, data, engine.StoreOptions{Epochs: b.opts.Epochs, Deletable: b.opts.Deletable})
	if err != nil {
		return err
	}
	prev, err := b.index.Put(bucket, key, Record{
		Fingerprint: res.Fingerprint,
		Size:        res.Size,
		ETag:        etag,
		Metadata:    cloneMetadata(meta),
		Modified:    time.Now().UTC(),
	})
	if err != nil {
		return b.translate(err, bucket, key)
	}
	b.opts.Logger.Debug().Str("bucket", bucket).Str("key", key).Str("blob", res.Fingerprint.String()).Bool("dedup", res.AlreadyStored).Msg("object stored")
	if prev != nil && prev.Fingerprint != res.Fingerprint {
		b.release(ctx, prev)
	}
	return nil
}

func (b *Backend) DeleteMulti(bucket string, objects ...string) (gofakes3.MultiDeleteResult, error) {
	if exists, err := b.index.BucketExists(bucket); err != nil {
		return gofakes3.MultiDeleteResult{}, err
	} else if !exists {
		return gofakes3.MultiDeleteResult{}, gofakes3.BucketNotFound(bucket)
	}
	var result gofakes3.MultiDeleteResult
	for _, key := range objects {
		if _, err := b.DeleteObject(bucket, key); err != nil {
			result.Error = append(result.Error, gofakes3.ErrorResultFromError(err))
		} else {
			result.Deleted = append(result.Deleted, gofakes3.ObjectID{Key: key})
		}
	}
	return result, result.AsError()
}

// CopyObject points the destination key at the source blob. Blobs are
// immutable, so no content moves.
func (b *Backend) CopyObject(srcBucket, srcKey, dstBucket, dstKey string, meta map[string]string) (gofakes3.CopyObjectResult, error) {
	rec, err := b.index.Get(srcBucket, srcKey)
	if err != nil {
		return gofakes3.CopyObjectResult{}, b.translate(err, srcBucket, srcKey)
	}
	if len(meta) > 0 {
		rec.Metadata = cloneMetadata(meta)
	}
	rec.Modified = time.Now().UTC()
	prev, err := b.index.Put(dstBucket, dstKey, rec)
	if err != nil {
		return gofakes3.CopyObjectResult{}, b.translate(err, dstBucket, dstKey)
	}
	if prev != nil && prev.Fingerprint != rec.Fingerprint {
		b.release(context.Background(), prev)
	}
	return gofakes3.CopyObjectResult{
		ETag:         gofakes3.FormatETag(rec.ETag),
		LastModified: gofakes3.NewContentTime(rec.Modified),
	}, nil
}

// Rename moves an index entry within the gateway.
func (b *Backend) Rename(bucket, src, dst string) error {
	rec, err := b.index.Get(bucket, src)
	if err != nil {
		return err
	}
	prev, err := b.index.Put(bucket, dst, rec)
	if err != nil {
		return err
	}
	if _, err := b.index.Delete(bucket, src); err != nil {
		return err
	}
	if prev != nil && prev.Fingerprint != rec.Fingerprint {
		b.release(context.Background(), prev)
	}
	return nil
}

type upload struct {
	bucket    string
	object    string
	meta      map[string]string
	initiated time.Time
	parts     map[int]uploadPart
}

type uploadPart struct {
	data         []byte
	etag         string
	lastModified time.Time
}

func (b *Backend) CreateMultipartUpload(bucket, object string, meta map[string]string) (gofakes3.UploadID, error) {
	if exists, err := b.index.BucketExists(bucket); err != nil {
		return "", err
	} else if !exists {
		return "", gofakes3.BucketNotFound(bucket)
	}
	uploadID := b.nextUploadID()
	b.mu.Lock()
	b.uploads[uploadID] = &upload{
		bucket:    bucket,
		object:    object,
		meta:      cloneMetadata(meta),
		initiated: time.Now().UTC(),
		parts:     make(map[int]uploadPart),
	}
	b.mu.Unlock()
	return uploadID, nil
}

func (b *Backend) UploadPart(bucket, object string, id gofakes3.UploadID, partNumber int, contentLength int64, input io.Reader) (string, error) {
	if partNumber <= 0 || partNumber > gofakes3.MaxUploadPartNumber {
		return "", gofakes3.ErrInvalidPart
	}
	if _, err := b.lookupUpload(bucket, object, id); err != nil {
		return "", err
	}
	hasher := md5.New()
	data, err := io.ReadAll(io.TeeReader(input, hasher))
	if err != nil {
		return "", err
	}
	if contentLength >= 0 && int64(len(data)) != contentLength {
		return "", gofakes3.ErrIncompleteBody
	}
	etag := fmt.Sprintf(`"%s"`, hex.EncodeToString(hasher.Sum(nil)))
	b.mu.Lock()
	defer b.mu.Unlock()
	up, ok := b.uploads[id]
	if !ok {
		return "", gofakes3.ErrNoSuchUpload
	}
	up.parts[partNumber] = uploadPart{data: data, etag: etag, lastModified: time.Now().UTC()}
	return etag, nil
}

func (b *Backend) ListMultipartUploads(bucket string, marker *gofakes3.UploadListMarker, prefix gofakes3.Prefix, limit int64) (*gofakes3.ListMultipartUploadsResult, error) {
	if exists, err := b.index.BucketExists(bucket); err != nil {
		return nil, err
	} else if !exists {
		return nil, gofakes3.BucketNotFound(bucket)
	}
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	summaries := b.uploadSummaries(bucket)
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Key == summaries[j].Key {
			return summaries[i].Initiated.Before(summaries[j].Initiated)
		}
		return summaries[i].Key < summaries[j].Key
	})
	start := 0
	if marker != nil {
		for idx, sum := range summaries {
			if compareUpload(sum, marker.Object, marker.UploadID) <= 0 {
				start = idx + 1
			} else {
				break
			}
		}
	}
	result := &gofakes3.ListMultipartUploadsResult{
		Bucket:     bucket,
		Delimiter:  prefix.Delimiter,
		Prefix:     prefix.Prefix,
		MaxUploads: limit,
	}
	var match gofakes3.PrefixMatch
	seenPrefixes := make(map[string]bool)
	var count int64
	for idx := start; idx < len(summaries); idx++ {
		sum := summaries[idx]
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(sum.Key, &match) {
				continue
			}
			if match.CommonPrefix {
				if !seenPrefixes[match.MatchedPart] {
					result.CommonPrefixes = append(result.CommonPrefixes, match.AsCommonPrefix())
					seenPrefixes[match.MatchedPart] = true
				}
				continue
			}
		}
		result.Uploads = append(result.Uploads, gofakes3.ListMultipartUploadItem{
			Key:          sum.Key,
			UploadID:     sum.ID,
			StorageClass: "STANDARD",
			Initiated:    gofakes3.NewContentTime(sum.Initiated),
		})
		count++
		if count >= limit {
			if idx+1 < len(summaries) {
				result.IsTruncated = true
				result.NextKeyMarker = summaries[idx+1].Key
				result.NextUploadIDMarker = summaries[idx+1].ID
			}
			break
		}
	}
	return result, nil
}

func (b *Backend) ListParts(bucket, object string, uploadID gofakes3.UploadID, marker int, limit int64) (*gofakes3.ListMultipartUploadPartsResult, error) {
	up, err := b.lookupUpload(bucket, object, uploadID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	result := &gofakes3.ListMultipartUploadPartsResult{
		Bucket:           bucket,
		Key:              object,
		UploadID:         uploadID,
		MaxParts:         limit,
		PartNumberMarker: marker,
		StorageClass:     "STANDARD",
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	partNumbers := make([]int, 0, len(up.parts))
	for num := range up.parts {
		partNumbers = append(partNumbers, num)
	}
	sort.Ints(partNumbers)
	var count int64
	for _, num := range partNumbers {
		if num <= marker {
			continue
		}
		if count >= limit {
			result.IsTruncated = true
			result.NextPartNumberMarker = num
			break
		}
		part := up.parts[num]
		result.Parts = append(result.Parts, gofakes3.ListMultipartUploadPartItem{
			PartNumber:   num,
			ETag:         part.etag,
			Size:         int64(len(part.data)),
			LastModified: gofakes3.NewContentTime(part.lastModified),
		})
		count++
	}
	return result, nil
}

func (b *Backend) AbortMultipartUpload(bucket, object string, id gofakes3.UploadID) error {
	if _, err := b.lookupUpload(bucket, object, id); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.uploads, id)
	b.mu.Unlock()
	return nil
}

// CompleteMultipartUpload concatenates the listed parts into one blob.
func (b *Backend) CompleteMultipartUpload(bucket, object string, id gofakes3.UploadID, input *gofakes3.CompleteMultipartUploadRequest) (gofakes3.VersionID, string, error) {
	if input == nil || len(input.Parts) == 0 {
		return "", "", gofakes3.ErrInvalidPart
	}
	up, err := b.lookupUpload(bucket, object, id)
	if err != nil {
		return "", "", err
	}
	b.mu.Lock()
	var buf bytes.Buffer
	finalHash := md5.New()
	for _, part := range input.Parts {
		info, ok := up.parts[part.PartNumber]
		if !ok || strings.Trim(part.ETag, "\"") != strings.Trim(info.etag, "\"") {
			b.mu.Unlock()
			return "", "", gofakes3.ErrInvalidPart
		}
		hashBytes, err := hex.DecodeString(strings.Trim(info.etag, "\""))
		if err != nil {
			b.mu.Unlock()
			return "", "", gofakes3.ErrInvalidPart
		}
		finalHash.Write(hashBytes)
		buf.Write(info.data)
	}
	meta := up.meta
	b.mu.Unlock()

	contentHash := md5.Sum(buf.Bytes())
	if err := b.store(context.Background(), bucket, object, buf.Bytes(), contentHash[:], meta); err != nil {
		return "", "", err
	}
	b.mu.Lock()
	delete(b.uploads, id)
	b.mu.Unlock()
	etag := fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(finalHash.Sum(nil)), len(input.Parts))
	return "", etag, nil
}

type uploadSummary struct {
	Key       string
	ID        gofakes3.UploadID
	Initiated time.Time
}

func compareUpload(sum uploadSummary, key string, id gofakes3.UploadID) int {
	if sum.Key < key {
		return -1
	}
	if sum.Key > key {
		return 1
	}
	return strings.Compare(string(sum.ID), string(id))
}

func (b *Backend) uploadSummaries(bucket string) []uploadSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []uploadSummary
	for id, up := range b.uploads {
		if up.bucket != bucket {
			continue
		}
		out = append(out, uploadSummary{Key: up.object, ID: id, Initiated: up.initiated})
	}
	return out
}

func (b *Backend) lookupUpload(bucket, object string, id gofakes3.UploadID) (*upload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	up, ok := b.uploads[id]
	if !ok || up.bucket != bucket || up.object != object {
		return nil, gofakes3.ErrNoSuchUpload
	}
	return up, nil
}

func (b *Backend) nextUploadID() gofakes3.UploadID {
	seq := atomic.AddUint64(&b.uploadSeq, 1)
	return gofakes3.UploadID(fmt.Sprintf("%020d", seq))
}

// release deletes the blob behind rec once no key refers to it. Only
// deletable blobs can be released; others stay until they expire.
func (b *Backend) release(ctx context.Context, rec *Record) {
	if rec == nil || !b.opts.Deletable {
		return
	}
	used, err := b.index.Referenced(rec.Fingerprint)
	if err != nil || used {
		return
	}
	if err := b.engine.Delete(ctx, rec.Fingerprint); err != nil {
		b.opts.Logger.Debug().Err(err).Str("blob", rec.Fingerprint.String()).Msg("release blob")
	}
}

func (b *Backend) buildObjectResponse(ctx context.Context, key string, rec Record, data []byte, rng *gofakes3.ObjectRange) (*gofakes3.Object, error) {
	headers := map[string]string{
		"Last-Modified":   rec.Modified.UTC().Format(http.TimeFormat),
		headerFingerprint: rec.Fingerprint.String(),
	}
	entry, err := b.engine.Stat(ctx, rec.Fingerprint)
	if err != nil {
		return nil, b.translate(err, "", key)
	}
	current, err := b.engine.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}
	if entry.Meta.Expired(current) {
		return nil, gofakes3.KeyNotFound(key)
	}
	headers[headerEndEpoch] = strconv.FormatUint(uint64(entry.Meta.EndEpoch), 10)
	for k, v := range rec.Metadata {
		headers[k] = v
	}
	body := data
	if rng != nil && data != nil {
		body = data[rng.Start : rng.Start+rng.Length]
	}
	return &gofakes3.Object{
		Name:     key,
		Metadata: headers,
		Size:     rec.Size,
		Contents: io.NopCloser(bytes.NewReader(body)),
		Hash:     rec.ETag,
		Range:    rng,
	}, nil
}

func (b *Backend) objectInfo(bucket, key string) (*gofakes3.ConditionalObjectInfo, error) {
	rec, err := b.index.Get(bucket, key)
	if err != nil {
		if errors.Is(err, ErrNoSuchKey) {
			return &gofakes3.ConditionalObjectInfo{Exists: false}, nil
		}
		return nil, b.translate(err, bucket, key)
	}
	return &gofakes3.ConditionalObjectInfo{Exists: true, Hash: rec.ETag}, nil
}

func (b *Backend) rangeForObject(req *gofakes3.ObjectRangeRequest, size int64) (*gofakes3.ObjectRange, error) {
	if req == nil {
		return nil, nil
	}
	return req.Range(size)
}

// translate maps index and engine errors onto S3 errors.
func (b *Backend) translate(err error, bucket, key string) error {
	switch {
	case errors.Is(err, ErrNoSuchBucket):
		return gofakes3.BucketNotFound(bucket)
	case errors.Is(err, ErrNoSuchKey):
		return gofakes3.KeyNotFound(key)
	case errors.Is(err, ErrBucketExists):
		return gofakes3.ResourceError(gofakes3.ErrBucketAlreadyExists, bucket)
	case errors.Is(err, ErrBucketNotEmpty):
		return gofakes3.ResourceError(gofakes3.ErrBucketNotEmpty, bucket)
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound, xerrors.KindExpired, xerrors.KindReconstruction:
		return gofakes3.KeyNotFound(key)
	}
	return err
}

func cloneMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
