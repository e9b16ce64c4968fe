// Пакет model — доменные модели каталога образов дисков.
// Asset — единственная сущность, которую хранит репозиторий:
// одна запись на один файл в каталоге хранения.
package model

import (
	"strings"
	"time"
)

// AssetStatus — состояние жизненного цикла образа.
type AssetStatus string

const (
	// StatusDownloading — идёт скачивание по URL
	StatusDownloading AssetStatus = "downloading"
	// StatusUploading — идёт приём прямой загрузки
	StatusUploading AssetStatus = "uploading"
	// StatusVerifying — файл записан, считается контрольная сумма
	StatusVerifying AssetStatus = "verifying"
	// StatusAvailable — файл на диске и готов к использованию
	StatusAvailable AssetStatus = "available"
	// StatusMissing — запись есть, файла на диске нет
	StatusMissing AssetStatus = "missing"
	// StatusError — операция завершилась ошибкой, см. ErrorMessage
	StatusError AssetStatus = "error"
)

// AllStatuses перечисляет все допустимые состояния.
var AllStatuses = []AssetStatus{
	StatusDownloading, StatusUploading, StatusVerifying,
	StatusAvailable, StatusMissing, StatusError,
}

// ActiveStatuses — состояния, которыми владеет незавершённая операция.
// Сверка такие записи не трогает.
var ActiveStatuses = []AssetStatus{StatusDownloading, StatusUploading, StatusVerifying}

// Valid сообщает, является ли значение допустимым состоянием.
func (s AssetStatus) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Active сообщает, занята ли запись незавершённой операцией.
func (s AssetStatus) Active() bool {
	for _, st := range ActiveStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// AddMethod — способ появления образа в каталоге.
type AddMethod string

const (
	AddMethodURL        AddMethod = "url"
	AddMethodUpload     AddMethod = "upload"
	AddMethodImport     AddMethod = "import"
	AddMethodAutoImport AddMethod = "auto_import"
)

// Asset — запись об образе диска.
type Asset struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Filename string `json:"filename"`

	Category     string   `json:"category"`
	OSFamily     *string  `json:"os_family"`
	Edition      *string  `json:"edition"`
	FileFormat   *string  `json:"file_format"`
	Version      *string  `json:"version"`
	Architecture *string  `json:"architecture"`
	Description  *string  `json:"description"`
	Tags         []string `json:"tags"`
	IsFavorite   bool     `json:"is_favorite"`

	AddMethod AddMethod `json:"add_method"`
	SourceURL *string   `json:"source_url"`

	SHA256           *string `json:"sha256"`
	SHA512           *string `json:"sha512"`
	MD5              *string `json:"md5"`
	ExpectedChecksum *string `json:"expected_checksum"`
	ChecksumType     *string `json:"checksum_type"`
	// ChecksumVerified: nil — не проверялось или ожидаемой суммы нет.
	ChecksumVerified *bool `json:"checksum_verified"`

	UpstreamSHA256 *string `json:"upstream_sha256"`
	// UpdateAvailable: nil — определить не удалось.
	UpdateAvailable *bool      `json:"update_available"`
	LastUpdateCheck *time.Time `json:"last_update_check"`

	Status           AssetStatus `json:"status"`
	DownloadProgress int         `json:"download_progress"`
	ErrorMessage     *string     `json:"error_message"`
	SizeBytes        int64       `json:"size_bytes"`
	FilePath         string      `json:"file_path"`
	HTTPURL          *string     `json:"http_url"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone возвращает глубокую копию записи.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	c := *a
	if a.Tags != nil {
		c.Tags = append([]string(nil), a.Tags...)
	}
	c.OSFamily = cloneString(a.OSFamily)
	c.Edition = cloneString(a.Edition)
	c.FileFormat = cloneString(a.FileFormat)
	c.Version = cloneString(a.Version)
	c.Architecture = cloneString(a.Architecture)
	c.Description = cloneString(a.Description)
	c.SourceURL = cloneString(a.SourceURL)
	c.SHA256 = cloneString(a.SHA256)
	c.SHA512 = cloneString(a.SHA512)
	c.MD5 = cloneString(a.MD5)
	c.ExpectedChecksum = cloneString(a.ExpectedChecksum)
	c.ChecksumType = cloneString(a.ChecksumType)
	c.UpstreamSHA256 = cloneString(a.UpstreamSHA256)
	c.ErrorMessage = cloneString(a.ErrorMessage)
	c.HTTPURL = cloneString(a.HTTPURL)
	if a.ChecksumVerified != nil {
		v := *a.ChecksumVerified
		c.ChecksumVerified = &v
	}
	if a.UpdateAvailable != nil {
		v := *a.UpdateAvailable
		c.UpdateAvailable = &v
	}
	if a.LastUpdateCheck != nil {
		v := *a.LastUpdateCheck
		c.LastUpdateCheck = &v
	}
	return &c
}

// FileFormatOf возвращает формат файла по расширению (без точки, в нижнем регистре).
// Для имени без расширения возвращает nil.
func FileFormatOf(filename string) *string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 || idx == len(filename)-1 {
		return nil
	}
	ext := strings.ToLower(filename[idx+1:])
	return &ext
}

// StringPtr возвращает указатель на непустую строку, для пустой — nil.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// BoolPtr возвращает указатель на значение.
func BoolPtr(b bool) *bool { return &b }

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
