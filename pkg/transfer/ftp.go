package transfer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"
)

const (
	ftpAttempts   = 3
	ftpRetryPause = 2 * time.Second
)

type FTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	BasePath string
	Timeout  time.Duration
	// TLS tries explicit TLS first; a server refusing it (534)
	// downgrades the session to plain FTP.
	TLS bool
}

type ftpConn interface {
	Login(user, password string) error
	MakeDir(path string) error
	ChangeDir(path string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

type ftpDialer func(addr, host string, secure bool, timeout time.Duration) (ftpConn, error)

type FTP struct {
	cfg   FTPConfig
	log   *logrus.Entry
	dial  ftpDialer
	sleep sleepFunc

	mu     sync.Mutex
	secure bool
}

func NewFTP(cfg FTPConfig, log *logrus.Entry) *FTP {
	if cfg.Port == 0 {
		cfg.Port = 21
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &FTP{
		cfg:    cfg,
		log:    log.WithField("channel", "ftp"),
		dial:   dialFTP,
		sleep:  sleepCtx,
		secure: cfg.TLS,
	}
}

func (f *FTP) Name() string { return "ftp" }

// Secure reports whether the session still attempts TLS.
func (f *FTP) Secure() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secure
}

func (f *FTP) disableTLS() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secure = false
}

// Send uploads content as name under the base path.
func (f *FTP) Send(ctx context.Context, name string, content []byte) error {
	remote := path.Join(f.cfg.BasePath, name)
	log := f.log.WithField("file", remote)

	var lastErr error
	for attempt := 1; attempt <= ftpAttempts; attempt++ {
		secure := f.Secure()
		err := f.sendOnce(remote, content, secure)
		if err == nil {
			log.Infof("Uploaded %s", humanize.Bytes(uint64(len(content))))
			return nil
		}
		lastErr = err

		switch {
		case secure && ftpCode(err) == 534:
			log.Warn("Server refused TLS, continuing without encryption")
			f.disableTLS()
		case isTransientFTP(err):
			log.WithError(err).Warnf("Upload attempt %d/%d failed", attempt, ftpAttempts)
			if attempt < ftpAttempts {
				if serr := f.sleep(ctx, ftpRetryPause); serr != nil {
					return fmt.Errorf("%w: %w", ErrTemporary, errors.Join(serr, err))
				}
			}
		default:
			return fmt.Errorf("%w: ftp upload %s: %w", ErrPermanent, remote, err)
		}
	}
	return fmt.Errorf("%w: ftp upload %s after %d attempts: %w", ErrTemporary, remote, ftpAttempts, lastErr)
}

func (f *FTP) sendOnce(remote string, content []byte, secure bool) error {
	conn, err := f.connect(secure)
	if err != nil {
		return err
	}
	defer func() {
		if qerr := conn.Quit(); qerr != nil {
			f.log.WithError(qerr).Debug("Quit failed")
		}
	}()

	if err := ensureDir(conn, path.Dir(remote)); err != nil {
		return err
	}
	return conn.Stor(path.Base(remote), bytes.NewReader(content))
}

func (f *FTP) connect(secure bool) (ftpConn, error) {
	addr := net.JoinHostPort(f.cfg.Host, strconv.Itoa(f.cfg.Port))
	conn, err := f.dial(addr, f.cfg.Host, secure, f.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	if err := conn.Login(f.cfg.User, f.cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, err
	}
	return conn, nil
}

// Verify logs in once, downgrading TLS the same way Send does.
func (f *FTP) Verify(ctx context.Context) error {
	secure := f.Secure()
	conn, err := f.connect(secure)
	if err != nil && secure && ftpCode(err) == 534 {
		f.disableTLS()
		conn, err = f.connect(false)
	}
	if err != nil {
		return fmt.Errorf("ftp verify: %w", err)
	}
	return conn.Quit()
}

// ensureDir walks into dir, creating missing segments. A segment that
// already exists (550/521 on MakeDir) is not an error.
func ensureDir(conn ftpConn, dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if strings.HasPrefix(dir, "/") {
		if err := conn.ChangeDir("/"); err != nil {
			return err
		}
	}
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		if err := conn.ChangeDir(part); err == nil {
			continue
		}
		if err := conn.MakeDir(part); err != nil {
			if code := ftpCode(err); code != 550 && code != 521 {
				return fmt.Errorf("mkdir %s: %w", part, err)
			}
		}
		if err := conn.ChangeDir(part); err != nil {
			return fmt.Errorf("cwd %s: %w", part, err)
		}
	}
	return nil
}

func ftpCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	return 0
}

func isTransientFTP(err error) bool {
	if code := ftpCode(err); code != 0 {
		return code >= 400 && code < 500
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func dialFTP(addr, host string, secure bool, timeout time.Duration) (ftpConn, error) {
	opts := []ftp.DialOption{ftp.DialWithTimeout(timeout)}
	if secure {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: host}))
	}
	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
