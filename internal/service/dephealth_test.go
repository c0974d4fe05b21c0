// dephealth_test.go — unit-тесты нормализации имён зависимостей и опций S3.
package service

import (
	"testing"
	"time"
)

// TestNormalizeDepName проверяет нормализацию имён зависимостей для dephealth.
func TestNormalizeDepName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "простое имя lowercase",
			input:    "s3-minio",
			expected: "s3-minio",
		},
		{
			name:     "верхний регистр",
			input:    "S3-MinIO",
			expected: "s3-minio",
		},
		{
			name:     "точки хоста заменяются на дефис",
			input:    "s3-minio.storage.svc",
			expected: "s3-minio-storage-svc",
		},
		{
			name:     "множественные дефисы коллапсируются",
			input:    "s3...minio",
			expected: "s3-minio",
		},
		{
			name:     "trim дефисов по краям",
			input:    "--s3--",
			expected: "s3",
		},
		{
			name:     "начинается с цифры — префикс dep-",
			input:    "192.168.1.10",
			expected: "dep-192-168-1-10",
		},
		{
			name:     "пустая строка → unknown-dep",
			input:    "",
			expected: "unknown-dep",
		},
		{
			name:     "только спецсимволы → unknown-dep",
			input:    "!!!@@@",
			expected: "unknown-dep",
		},
		{
			name:     "имя длиннее 63 символов обрезается",
			input:    "abcdefghijklmnopqrstuvwxyz-abcdefghijklmnopqrstuvwxyz-1234567890-extra",
			expected: "abcdefghijklmnopqrstuvwxyz-abcdefghijklmnopqrstuvwxyz-123456789",
		},
		{
			name:     "trailing дефис после обрезки удаляется",
			input:    "a-bcdefghijklmnopqrstuvwxyz-abcdefghijklmnopqrstuvwxyz-123456789",
			expected: "a-bcdefghijklmnopqrstuvwxyz-abcdefghijklmnopqrstuvwxyz-12345678",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := normalizeDepName(tt.input)
			if result != tt.expected {
				t.Errorf("normalizeDepName(%q) = %q, ожидалось %q", tt.input, result, tt.expected)
			}
		})
	}
}

// TestS3Dependency проверяет имя и количество опций зависимости S3.
func TestS3Dependency(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantName string
	}{
		{
			name:     "хост с портом",
			input:    "http://minio.storage.svc:9000",
			wantName: "s3-minio-storage-svc",
		},
		{
			name:     "явный health path",
			input:    "https://s3.example.com/health",
			wantName: "s3-s3-example-com",
		},
		{
			name:     "URL без хоста",
			input:    "minio:9000",
			wantName: "s3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, opts := s3Dependency(tt.input, 15*time.Second)
			if name != tt.wantName {
				t.Errorf("s3Dependency(%q) name = %q, ожидалось %q", tt.input, name, tt.wantName)
			}
			if len(opts) != 4 {
				t.Errorf("s3Dependency(%q) — ожидалось 4 опции, получено %d", tt.input, len(opts))
			}
		})
	}
}
