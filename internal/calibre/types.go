package calibre

import (
	"encoding/json"
	"strings"
	"time"
)

// UnknownModTime is the sentinel the desktop uses for "last modified
// time is not known". It must never be conflated with a real epoch-zero
// timestamp.
const UnknownModTime = "1970-01-01T00:00:00+00:00"

// BookMetadata is the canonical record moved across every protocol,
// store, and cache boundary.
type BookMetadata struct {
	// Identity
	UUID     string `json:"uuid"`
	Lpath    string `json:"lpath"`
	DBBookID int64  `json:"-"`

	// Descriptive
	Title       string  `json:"title"`
	Authors     string  `json:"authors"`
	AuthorSort  string  `json:"author_sort"`
	Series      string  `json:"series"`
	SeriesIndex float64 `json:"series_index"`
	ISBN        string  `json:"isbn"`
	Publisher   string  `json:"publisher"`
	Pubdate     string  `json:"pubdate"`
	Tags        string  `json:"tags"`
	Comments    string  `json:"comments"`
	Thumbnail   []byte  `json:"-"`

	// File
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified"`

	// Sync fields, mirrored both ways between desktop and device
	IsRead       bool   `json:"_is_read_"`
	LastReadDate string `json:"_last_read_date_,omitempty"`
	IsFavorite   bool   `json:"_is_favorite_"`

	// Shadow copies of the sync fields as last persisted, so the device
	// can detect which side mutated a field since the last sync.
	OriginalIsRead       bool   `json:"_original_is_read_,omitempty"`
	OriginalLastReadDate string `json:"_original_last_read_date_,omitempty"`
	OriginalIsFavorite   bool   `json:"_original_is_favorite_,omitempty"`

	// UserMetadata carries the desktop's custom-column values, so
	// readColumn/readDateColumn/favoriteColumn can be resolved against
	// configured column names when the literal sync fields above aren't
	// what the library actually uses (spec.md §4.B tie-breaks).
	UserMetadata map[string]CalibreCustomColumn `json:"user_metadata,omitempty" mapstructure:"user_metadata"`
}

// Canonicalize enforces the lpath/size/seriesIndex invariants in place.
func (m *BookMetadata) Canonicalize() {
	m.Lpath = CanonicalLpath(m.Lpath)
	if m.Size < 0 {
		m.Size = 0
	}
	if m.SeriesIndex < 0 {
		m.SeriesIndex = 0
	}
}

// CanonicalLpath rewrites backslashes to forward slashes and strips any
// leading slash, per the lpath invariant.
func CanonicalLpath(lpath string) string {
	lpath = strings.ReplaceAll(lpath, `\`, "/")
	return strings.TrimPrefix(lpath, "/")
}

// LastReadTime parses LastReadDate, returning the zero time and false if
// it is empty or unparseable.
func (m *BookMetadata) LastReadTime() (time.Time, bool) {
	if m.LastReadDate == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, m.LastReadDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// HasKnownModTime reports whether LastModified is set to something other
// than the "unknown" sentinel.
func (m *BookMetadata) HasKnownModTime() bool {
	return m.LastModified != "" && m.LastModified != UnknownModTime
}

// rawBookMetadata mirrors BookMetadata's wire shape, but lets Authors
// arrive as either a JSON string or a JSON array, and thumbnail arrive as
// the Calibre [width, height, base64] triple.
type rawBookMetadata struct {
	UUID                 string          `json:"uuid"`
	Lpath                string          `json:"lpath"`
	Title                string          `json:"title"`
	Authors              json.RawMessage `json:"authors"`
	AuthorSort           string          `json:"author_sort"`
	Series               string          `json:"series"`
	SeriesIndex          float64         `json:"series_index"`
	ISBN                 string          `json:"isbn"`
	Publisher            string          `json:"publisher"`
	Pubdate              string          `json:"pubdate"`
	Tags                 json.RawMessage `json:"tags"`
	Comments             string          `json:"comments"`
	Thumbnail            json.RawMessage `json:"thumbnail"`
	Size                 int64           `json:"size"`
	LastModified         string          `json:"last_modified"`
	IsRead               bool            `json:"_is_read_"`
	LastReadDate         string          `json:"_last_read_date_"`
	IsFavorite           bool            `json:"_is_favorite_"`
	OriginalIsRead       bool            `json:"_original_is_read_"`
	OriginalLastReadDate string          `json:"_original_last_read_date_"`
	OriginalIsFavorite   bool            `json:"_original_is_favorite_"`
	UserMetadata         json.RawMessage `json:"user_metadata"`
}

// UnmarshalJSON accepts authors as either a bare string or a JSON array
// of strings, joining arrays with ", " for the display field - the
// Design Note "JSON field that may be string or array" applies.
func (m *BookMetadata) UnmarshalJSON(data []byte) error {
	var raw rawBookMetadata
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.UUID = raw.UUID
	m.Lpath = raw.Lpath
	m.Title = raw.Title
	m.AuthorSort = raw.AuthorSort
	m.Series = raw.Series
	m.SeriesIndex = raw.SeriesIndex
	m.ISBN = raw.ISBN
	m.Publisher = raw.Publisher
	m.Pubdate = raw.Pubdate
	m.Comments = raw.Comments
	m.Size = raw.Size
	m.LastModified = raw.LastModified
	m.IsRead = raw.IsRead
	m.LastReadDate = raw.LastReadDate
	m.IsFavorite = raw.IsFavorite
	m.OriginalIsRead = raw.OriginalIsRead
	m.OriginalLastReadDate = raw.OriginalLastReadDate
	m.OriginalIsFavorite = raw.OriginalIsFavorite
	m.Authors = joinStringOrArray(raw.Authors)
	m.Tags = joinStringOrArray(raw.Tags)
	if len(raw.UserMetadata) > 0 {
		var userMetadata map[string]CalibreCustomColumn
		if err := json.Unmarshal(raw.UserMetadata, &userMetadata); err == nil {
			m.UserMetadata = userMetadata
		}
	}
	if len(raw.Thumbnail) > 0 {
		var thumb CalibreThumb
		if err := json.Unmarshal(raw.Thumbnail, &thumb); err == nil && thumb.Exists() {
			m.Thumbnail = thumb.Decode()
		}
	}
	return nil
}

// joinStringOrArray normalizes a JSON value that is either a bare
// string or an array of strings into a single ", "-joined string.
func joinStringOrArray(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return strings.Join(arr, ", ")
	}
	return ""
}

// MarshalJSON emits BookMetadata in the full metadata frame shape the
// desktop expects.
func (m BookMetadata) MarshalJSON() ([]byte, error) {
	type alias BookMetadata
	return json.Marshal(struct {
		alias
		Authors []string `json:"authors"`
		Tags    []string `json:"tags"`
	}{
		alias:   alias(m),
		Authors: splitNonEmpty(m.Authors),
		Tags:    splitNonEmpty(m.Tags),
	})
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ", ")
	return parts
}

// CachedMetadataFrame is the minimal per-book frame used when the peer
// sets willUseCachedMetadata on GET_BOOK_COUNT.
type CachedMetadataFrame struct {
	PriKey       int    `json:"priKey"`
	UUID         string `json:"uuid"`
	Lpath        string `json:"lpath"`
	LastModified string `json:"last_modified"`
	Extension    string `json:"extension"`
	IsRead       bool   `json:"_is_read_"`
	SyncType     int    `json:"_sync_type_"`
	LastReadDate string `json:"_last_read_date_,omitempty"`
}

// FullMetadataFrame wraps BookMetadata with the priKey the session
// assigned it, for the non-cached GET_BOOK_COUNT path and NOOP priKey
// replies.
type FullMetadataFrame struct {
	PriKey int `json:"priKey"`
	BookMetadata
}

// MarshalJSON merges priKey into BookMetadata's own marshaled form.
// Without this, BookMetadata's MarshalJSON would be promoted wholesale
// and priKey would be silently dropped from the wire frame.
func (f FullMetadataFrame) MarshalJSON() ([]byte, error) {
	bookJSON, err := json.Marshal(f.BookMetadata)
	if err != nil {
		return nil, err
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(bookJSON, &merged); err != nil {
		return nil, err
	}
	merged["priKey"] = f.PriKey
	return json.Marshal(merged)
}

// CalibreThumb is the Calibre [width, height, base64-image] triple.
type CalibreThumb []interface{}

// Exists reports whether the thumbnail triple is well-formed.
func (t CalibreThumb) Exists() bool {
	return len(t) == 3
}

// Decode returns the raw image bytes the thumbnail triple carries, or
// nil if it is not well-formed.
func (t CalibreThumb) Decode() []byte {
	if !t.Exists() {
		return nil
	}
	s, ok := t[2].(string)
	if !ok {
		return nil
	}
	data, err := decodeBase64(s)
	if err != nil {
		return nil
	}
	return data
}

// CapabilityInfo is the device-capabilities object sent in response to
// GET_INITIALIZATION_INFO. Field names are fixed by the wire protocol.
type CapabilityInfo struct {
	AppName                       string         `json:"appName"`
	AcceptedExtensions            []string       `json:"acceptedExtensions"`
	CacheUsesLpaths               bool           `json:"cacheUsesLpaths"`
	CanAcceptLibraryInfo          bool           `json:"canAcceptLibraryInfo"`
	CanDeleteMultipleBooks        bool           `json:"canDeleteMultipleBooks"`
	CanReceiveBookBinary          bool           `json:"canReceiveBookBinary"`
	CanSendOkToSendbook           bool           `json:"canSendOkToSendbook"`
	CanStreamBooks                bool           `json:"canStreamBooks"`
	CanStreamMetadata             bool           `json:"canStreamMetadata"`
	CanUseCachedMetadata          bool           `json:"canUseCachedMetadata"`
	CanSupportLpathChanges        bool           `json:"canSupportLpathChanges"`
	WillAskForUpdateBooks         bool           `json:"willAskForUpdateBooks"`
	SetTempMarkWhenReadInfoSynced bool           `json:"setTempMarkWhenReadInfoSynced"`
	CcVersionNumber               string         `json:"ccVersionNumber"`
	CoverHeight                   int            `json:"coverHeight"`
	DeviceKind                    string         `json:"deviceKind"`
	DeviceName                    string         `json:"deviceName"`
	ExtensionPathLengths          map[string]int `json:"extensionPathLengths"`
	MaxBookContentPacketLen       int            `json:"maxBookContentPacketLen"`
	UseUUIDFileNames              bool           `json:"useUuidFileNames"`
	VersionOK                     bool           `json:"versionOK"`
	HasCardA                      bool           `json:"has_card_a"`
	HasCardB                      bool           `json:"has_card_b"`
	PasswordHash                  string         `json:"passwordHash,omitempty"`
	IsReadSyncCol                 string         `json:"isReadSyncCol,omitempty"`
	IsReadDateSyncCol             string         `json:"isReadDateSyncCol,omitempty"`
}

// InitChallenge is the GET_INITIALIZATION_INFO request payload.
type InitChallenge struct {
	PasswordChallenge string `json:"passwordChallenge"`
}

// DeviceInfoRequest is SET_CALIBRE_DEVICE_INFO / GET_DEVICE_INFORMATION's
// nested device_info object.
type DeviceInfoRequest struct {
	DeviceInfo struct {
		Prefix            string `json:"prefix"`
		DeviceStoreUUID   string `json:"device_store_uuid"`
		DeviceName        string `json:"device_name"`
		LocationCode      string `json:"location_code"`
		DateLastConnected string `json:"date_last_connected"`
	} `json:"device_info"`
}

// DeviceInfoResponse is the reply to GET_DEVICE_INFORMATION.
type DeviceInfoResponse struct {
	DeviceInfo struct {
		DeviceStoreUUID string `json:"device_store_uuid"`
		DeviceName      string `json:"device_name"`
		LocationCode    string `json:"location_code"`
	} `json:"device_info"`
	Version       string `json:"version"`
	DeviceVersion string `json:"device_version"`
}

// SpaceResponse answers TOTAL_SPACE / FREE_SPACE.
type SpaceResponse struct {
	TotalSpaceOnDevice int64 `json:"total_space_on_device,omitempty"`
	FreeSpaceOnDevice  int64 `json:"free_space_on_device,omitempty"`
}

// BookCountRequest is the GET_BOOK_COUNT request payload.
type BookCountRequest struct {
	OnCard                string `json:"on_card" mapstructure:"on_card"`
	WillUseCachedMetadata bool   `json:"willUseCachedMetadata" mapstructure:"willUseCachedMetadata"`
}

// BookCountResponse answers GET_BOOK_COUNT.
type BookCountResponse struct {
	Count      int  `json:"count"`
	WillStream bool `json:"willStream"`
	WillScan   bool `json:"willScan"`
}

// SendBookRequest is the SEND_BOOK request payload.
type SendBookRequest struct {
	Lpath    string       `json:"lpath" mapstructure:"lpath"`
	Length   int64        `json:"length" mapstructure:"length"`
	Metadata BookMetadata `json:"metadata" mapstructure:"metadata"`
	OnCard   string       `json:"on_card" mapstructure:"on_card"`
}

// SendBookMetadataRequest is the SEND_BOOK_METADATA request payload.
type SendBookMetadataRequest struct {
	Data BookMetadata `json:"data" mapstructure:"data"`
}

// SendBooklistsRequest is the SEND_BOOKLISTS request payload.
type SendBooklistsRequest struct {
	Collections map[string][]string `json:"collections" mapstructure:"collections"`
}

// DeleteBookRequest is the DELETE_BOOK request payload.
type DeleteBookRequest struct {
	Lpaths []string `json:"lpaths" mapstructure:"lpaths"`
}

// GetBookFileSegmentRequest is the GET_BOOK_FILE_SEGMENT request payload.
type GetBookFileSegmentRequest struct {
	Lpath    string `json:"lpath" mapstructure:"lpath"`
	Position int64  `json:"position" mapstructure:"position"`
}

// GetBookFileSegmentResponse announces the length of the file about to
// stream.
type GetBookFileSegmentResponse struct {
	FileLength int64 `json:"fileLength"`
}

// DisplayMessageRequest is the DISPLAY_MESSAGE request payload.
type DisplayMessageRequest struct {
	MessageKind MsgCode `json:"messageKind" mapstructure:"messageKind"`
	Message     string  `json:"message" mapstructure:"message"`
}

// SetLibraryInfoRequest is the SET_LIBRARY_INFO request payload.
type SetLibraryInfoRequest struct {
	LibraryUUID   string                       `json:"libraryUuid" mapstructure:"libraryUuid"`
	LibraryName   string                       `json:"libraryName" mapstructure:"libraryName"`
	FieldMetadata map[string]CalibreColumnInfo `json:"fieldMetadata" mapstructure:"fieldMetadata"`
}

// CalibreColumnInfo is a simplified subset of a Calibre custom column
// definition, as delivered by SET_LIBRARY_INFO's fieldMetadata map.
type CalibreColumnInfo struct {
	ColNum   int    `json:"colnum" mapstructure:"colnum"`
	Label    string `json:"label" mapstructure:"label"`
	Name     string `json:"name" mapstructure:"name"`
	Datatype string `json:"datatype" mapstructure:"datatype"`
	IsCustom bool   `json:"is_custom" mapstructure:"is_custom"`
}
