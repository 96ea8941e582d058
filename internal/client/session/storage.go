package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"imggen/internal/model"
)

// Credentials 保存在存储中的登录凭据。
type Credentials struct {
	Token string        `json:"token"`
	User  model.Account `json:"user"`
}

// Storage 凭据存储。Load 在没有凭据时返回 (nil, nil)。
type Storage interface {
	Load() (*Credentials, error)
	Save(cred Credentials) error
	Clear() error
}

// MemoryStorage 进程内存储，进程退出即失效。
type MemoryStorage struct {
	mu   sync.Mutex
	cred *Credentials
}

// NewMemoryStorage 创建内存存储。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, nil
	}
	cp := *s.cred
	return &cp, nil
}

func (s *MemoryStorage) Save(cred Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &cred
	return nil
}

func (s *MemoryStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}

// FileStorage 以 JSON 文件持久化凭据，文件权限 0600。
type FileStorage struct {
	path string
}

// NewFileStorage 创建文件存储。
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// DefaultFilePath 返回用户配置目录下的会话文件路径。
func DefaultFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("user config dir: %w", err)
	}
	return filepath.Join(dir, "imggen", "session.json"), nil
}

// Path 返回文件路径。
func (s *FileStorage) Path() string {
	return s.path
}

func (s *FileStorage) Load() (*Credentials, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var cred Credentials
	if err := json.Unmarshal(raw, &cred); err != nil {
		// 损坏的文件按未登录处理
		return nil, nil
	}
	if cred.Token == "" {
		return nil, nil
	}
	return &cred, nil
}

func (s *FileStorage) Save(cred Credentials) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStorage) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
