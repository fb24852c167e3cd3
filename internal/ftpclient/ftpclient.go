// Package ftpclient adapts github.com/jlaffaye/ftp behind a narrow
// interface the transfer engine depends on, grounded on the ServerConn
// usage pattern in rclone's FTP backend.
package ftpclient

import (
	"io"
	"time"

	"github.com/jlaffaye/ftp"
)

// Entry is a single remote directory listing entry.
type Entry struct {
	Name    string
	Size    int64
	Time    time.Time
	IsDir   bool
}

// Session is the FTP surface the transfer engine needs: list, get, put,
// delete, and directory navigation. Retrieve returns a ReadCloser rather
// than copying internally so the caller can copy through its own pooled
// buffer and rate limiter.
type Session interface {
	ChangeDir(path string) error
	List(path string) ([]Entry, error)
	Retrieve(name string) (io.ReadCloser, error)
	Store(name string, r io.Reader) error
	Delete(name string) error
	Quit() error
}

// jlaffayeSession implements Session over a real ftp.ServerConn.
type jlaffayeSession struct {
	conn *ftp.ServerConn
}

// Dial opens a new FTP session, authenticates, and returns it, honoring
// connectionTimeout at session open (§5).
func Dial(addr, user, password string, connectionTimeout time.Duration) (Session, error) {
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(connectionTimeout))
	if err != nil {
		return nil, err
	}
	if err := conn.Login(user, password); err != nil {
		_ = conn.Quit()
		return nil, err
	}
	return &jlaffayeSession{conn: conn}, nil
}

func (s *jlaffayeSession) ChangeDir(path string) error {
	return s.conn.ChangeDir(path)
}

func (s *jlaffayeSession) List(path string) ([]Entry, error) {
	entries, err := s.conn.List(path)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{
			Name:  e.Name,
			Size:  int64(e.Size),
			Time:  e.Time,
			IsDir: e.Type == ftp.EntryTypeFolder,
		})
	}
	return out, nil
}

func (s *jlaffayeSession) Retrieve(name string) (io.ReadCloser, error) {
	return s.conn.Retr(name)
}

func (s *jlaffayeSession) Store(name string, r io.Reader) error {
	return s.conn.Stor(name, r)
}

func (s *jlaffayeSession) Delete(name string) error {
	return s.conn.Delete(name)
}

func (s *jlaffayeSession) Quit() error {
	return s.conn.Quit()
}
