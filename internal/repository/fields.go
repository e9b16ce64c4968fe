package repository

import (
	"fmt"
	"sort"
	"time"

	"github.com/bigkaa/isostore/internal/domain/model"
)

// Field — имя изменяемого столбца записи.
type Field string

// Изменяемые поля. Имена совпадают со столбцами таблицы assets.
const (
	FieldName             Field = "name"
	FieldCategory         Field = "category"
	FieldOSFamily         Field = "os_family"
	FieldEdition          Field = "edition"
	FieldVersion          Field = "version"
	FieldArchitecture     Field = "architecture"
	FieldDescription      Field = "description"
	FieldTags             Field = "tags"
	FieldIsFavorite       Field = "is_favorite"
	FieldSHA256           Field = "sha256"
	FieldSHA512           Field = "sha512"
	FieldMD5              Field = "md5"
	FieldExpectedChecksum Field = "expected_checksum"
	FieldChecksumType     Field = "checksum_type"
	FieldChecksumVerified Field = "checksum_verified"
	FieldUpstreamSHA256   Field = "upstream_sha256"
	FieldUpdateAvailable  Field = "update_available"
	FieldLastUpdateCheck  Field = "last_update_check"
	FieldStatus           Field = "status"
	FieldDownloadProgress Field = "download_progress"
	FieldErrorMessage     Field = "error_message"
	FieldSizeBytes        Field = "size_bytes"
	FieldHTTPURL          Field = "http_url"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindNullString
	kindBool
	kindNullBool
	kindNullTime
	kindInt
	kindInt64
	kindStatus
	kindTags
)

var fieldKinds = map[Field]fieldKind{
	FieldName:             kindString,
	FieldCategory:         kindString,
	FieldOSFamily:         kindNullString,
	FieldEdition:          kindNullString,
	FieldVersion:          kindNullString,
	FieldArchitecture:     kindNullString,
	FieldDescription:      kindNullString,
	FieldTags:             kindTags,
	FieldIsFavorite:       kindBool,
	FieldSHA256:           kindNullString,
	FieldSHA512:           kindNullString,
	FieldMD5:              kindNullString,
	FieldExpectedChecksum: kindNullString,
	FieldChecksumType:     kindNullString,
	FieldChecksumVerified: kindNullBool,
	FieldUpstreamSHA256:   kindNullString,
	FieldUpdateAvailable:  kindNullBool,
	FieldLastUpdateCheck:  kindNullTime,
	FieldStatus:           kindStatus,
	FieldDownloadProgress: kindInt,
	FieldErrorMessage:     kindNullString,
	FieldSizeBytes:        kindInt64,
	FieldHTTPURL:          kindNullString,
}

// Fields — набор полей для точечного обновления.
// Для nullable-полей nil означает NULL; допустимы как значения, так и указатели.
type Fields map[Field]any

// normalize проверяет имена и типы и приводит значения к каноническому виду:
// nullable — указатели, status — model.AssetStatus.
func (f Fields) normalize() (Fields, error) {
	if len(f) == 0 {
		return nil, fmt.Errorf("пустой набор полей")
	}
	out := make(Fields, len(f))
	for name, v := range f {
		kind, ok := fieldKinds[name]
		if !ok {
			return nil, fmt.Errorf("поле %q не поддерживает обновление", name)
		}
		nv, err := normalizeValue(kind, v)
		if err != nil {
			return nil, fmt.Errorf("поле %s: %w", name, err)
		}
		out[name] = nv
	}
	return out, nil
}

func normalizeValue(kind fieldKind, v any) (any, error) {
	switch kind {
	case kindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case kindNullString:
		switch s := v.(type) {
		case nil:
			return (*string)(nil), nil
		case string:
			return &s, nil
		case *string:
			return s, nil
		}
	case kindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case kindNullBool:
		switch b := v.(type) {
		case nil:
			return (*bool)(nil), nil
		case bool:
			return &b, nil
		case *bool:
			return b, nil
		}
	case kindNullTime:
		switch t := v.(type) {
		case nil:
			return (*time.Time)(nil), nil
		case time.Time:
			return &t, nil
		case *time.Time:
			return t, nil
		}
	case kindInt:
		if n, ok := v.(int); ok {
			return n, nil
		}
	case kindInt64:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		}
	case kindStatus:
		if st, ok := v.(model.AssetStatus); ok && st.Valid() {
			return st, nil
		}
		return nil, fmt.Errorf("недопустимое состояние %v", v)
	case kindTags:
		switch tags := v.(type) {
		case nil:
			return []string{}, nil
		case []string:
			return append([]string{}, tags...), nil
		}
	}
	return nil, fmt.Errorf("неподдерживаемый тип значения %T", v)
}

// sortedNames возвращает имена полей в стабильном порядке (для SQL).
func (f Fields) sortedNames() []Field {
	names := make([]Field, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// apply применяет нормализованные поля к записи (in-memory реализация).
func (f Fields) apply(a *model.Asset) {
	for name, v := range f {
		switch name {
		case FieldName:
			a.Name = v.(string)
		case FieldCategory:
			a.Category = v.(string)
		case FieldOSFamily:
			a.OSFamily = v.(*string)
		case FieldEdition:
			a.Edition = v.(*string)
		case FieldVersion:
			a.Version = v.(*string)
		case FieldArchitecture:
			a.Architecture = v.(*string)
		case FieldDescription:
			a.Description = v.(*string)
		case FieldTags:
			a.Tags = v.([]string)
		case FieldIsFavorite:
			a.IsFavorite = v.(bool)
		case FieldSHA256:
			a.SHA256 = v.(*string)
		case FieldSHA512:
			a.SHA512 = v.(*string)
		case FieldMD5:
			a.MD5 = v.(*string)
		case FieldExpectedChecksum:
			a.ExpectedChecksum = v.(*string)
		case FieldChecksumType:
			a.ChecksumType = v.(*string)
		case FieldChecksumVerified:
			a.ChecksumVerified = v.(*bool)
		case FieldUpstreamSHA256:
			a.UpstreamSHA256 = v.(*string)
		case FieldUpdateAvailable:
			a.UpdateAvailable = v.(*bool)
		case FieldLastUpdateCheck:
			a.LastUpdateCheck = v.(*time.Time)
		case FieldStatus:
			a.Status = v.(model.AssetStatus)
		case FieldDownloadProgress:
			a.DownloadProgress = v.(int)
		case FieldErrorMessage:
			a.ErrorMessage = v.(*string)
		case FieldSizeBytes:
			a.SizeBytes = v.(int64)
		case FieldHTTPURL:
			a.HTTPURL = v.(*string)
		}
	}
}

// sqlValue приводит значение к типу, который pgx кодирует без рефлексии.
func sqlValue(v any) any {
	if st, ok := v.(model.AssetStatus); ok {
		return string(st)
	}
	return v
}
