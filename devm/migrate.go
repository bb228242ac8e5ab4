package devm

// migrate.go: moving a VF between hosts, source (MigrateTo) and
// destination (Incoming).
//
// Source side (MigrateTo):
//  1. Refuse a wedged device, open (or resume) a capture pass.
//  2. Dial the destination and send the manifest.
//  3. Stream every resource class as bounded chunks, resuming from the
//     pass cursor when a prior attempt was interrupted.
//  4. Close the pass, send StreamDone and wait for StreamReady.
//
// Destination side (Incoming):
//  1. Accept the TCP connection and receive the manifest.
//  2. Provision the VF to the manifest sizes if it is not managed yet.
//  3. Open a restore pass and apply the chunk stream.
//  4. Close the pass, flag recovery pending, send StreamReady.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/virtgpu/iovrelay/migration"
)

// StreamChunkBytes is how much of one resource class travels per framed
// stream message between hosts.  Each stream chunk is re-chunked onto the
// relay by the store.
const StreamChunkBytes = 64 << 10

const dialTimeout = 30 * time.Second

var (
	errExpectedReady        = errors.New("expected StreamReady")
	errDoneBeforeManifest   = errors.New("received StreamDone before Manifest")
	errChunkBeforeManifest  = errors.New("received StreamChunk before Manifest")
	errUnexpectedStreamType = errors.New("unexpected stream message type")
	errBadControlCommand    = errors.New("unknown control command")
)

// ControlSocketPath returns the Unix socket path for the given PID.
func ControlSocketPath(pid int) string {
	return fmt.Sprintf("/tmp/iovrelay-%d.sock", pid)
}

// StartControlSocket listens on a Unix domain socket and handles control
// commands sent by the `iovrelay migrate` subcommand.
//
// Currently supported commands (newline-terminated):
//
//	MIGRATE <addr> <vfid> <tile>   migrate one VF to <addr> (host:port)
func (m *Manager) StartControlSocket() (string, error) {
	path := ControlSocketPath(os.Getpid())

	l, err := net.Listen("unix", path)
	if err != nil {
		return "", fmt.Errorf("control socket: %w", err)
	}

	go func() {
		defer os.Remove(path)

		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go m.handleControl(conn)
		}
	}()

	return path, nil
}

func (m *Manager) handleControl(conn net.Conn) {
	defer conn.Close()

	buf := new(strings.Builder)

	tmp := make([]byte, 256)

	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}

		if err != nil {
			break
		}

		if strings.Contains(buf.String(), "\n") {
			break
		}
	}

	line := strings.TrimSpace(buf.String())

	id, addr, err := parseMigrateCommand(line)
	if err != nil {
		_, _ = conn.Write([]byte("ERROR " + err.Error() + "\n"))

		return
	}

	if err := m.MigrateTo(context.Background(), addr, id); err != nil {
		m.log.WithError(err).WithField("vf", id.String()).Error("migration failed")
		_, _ = conn.Write([]byte("ERROR " + err.Error() + "\n"))
	} else {
		_, _ = conn.Write([]byte("OK\n"))
	}
}

func parseMigrateCommand(line string) (migration.VFIdentity, string, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != "MIGRATE" {
		return migration.VFIdentity{}, "", errBadControlCommand
	}

	vfid, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return migration.VFIdentity{}, "", fmt.Errorf("%w: vfid %q", errBadControlCommand, fields[2])
	}

	tile, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return migration.VFIdentity{}, "", fmt.Errorf("%w: tile %q", errBadControlCommand, fields[3])
	}

	return migration.VFIdentity{VFID: uint32(vfid), Tile: uint32(tile)}, fields[1], nil
}

// MigrateTo captures id and streams it to the iovrelay instance listening
// at addr (host:port).  An attempt interrupted by a transport failure
// leaves the pass open; calling MigrateTo again resumes from the last
// acknowledged offset as long as the resource sizes are unchanged.
func (m *Manager) MigrateTo(ctx context.Context, addr string, id migration.VFIdentity) error {
	log := m.log.WithFields(logrus.Fields{"vf": id.String(), "addr": addr})

	// Step 1: open or resume the capture pass before touching the network.
	if err := m.BeginMigrationCapture(ctx, id); err != nil {
		if !errors.Is(err, errPassActive) {
			return err
		}

		log.Info("resuming interrupted capture pass")

		if err := m.ResumeMigrationPass(ctx, id); err != nil {
			return err
		}
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	defer conn.Close()

	return m.migrateConn(ctx, conn, id, log)
}

// migrateConn runs the source side of the stream over an established
// connection.
func (m *Manager) migrateConn(ctx context.Context, conn net.Conn, id migration.VFIdentity, log *logrus.Entry) error {
	rt, store, err := m.activePass(id)
	if err != nil {
		return err
	}

	sender := migration.NewSender(conn)

	// Step 2: manifest first so the destination can provision.
	man := &migration.Manifest{
		VFID:    id.VFID,
		Tile:    id.Tile,
		Version: rt.version,
		Sizes:   make(map[migration.ResourceClass]uint64),
	}

	for class := migration.ResourceClass(0); class < migration.NumClasses; class++ {
		man.Sizes[class] = store.Progress(class).Total
	}

	if err := sender.SendManifest(man); err != nil {
		return fmt.Errorf("SendManifest: %w", err)
	}

	// Step 3: stream each class from its cursor.
	for class := migration.ResourceClass(0); class < migration.NumClasses; class++ {
		if err := m.streamClass(ctx, sender, store, class); err != nil {
			return err
		}
	}

	// Step 4: close the pass and wait for the destination.
	if _, err := m.EndMigrationCapture(id); err != nil {
		return err
	}

	if err := sender.SendDone(); err != nil {
		return err
	}

	recv := migration.NewReceiver(conn)

	t, _, err := recv.Next()
	if err != nil {
		return fmt.Errorf("waiting for StreamReady: %w", err)
	}

	if t != migration.StreamReady {
		return fmt.Errorf("%w: got %v", errExpectedReady, t)
	}

	log.Info("migration complete, destination is running")

	return nil
}

// streamClass captures one resource class chunk by chunk and sends it.
func (m *Manager) streamClass(ctx context.Context, sender *migration.Sender, store *migration.Store, class migration.ResourceClass) error {
	st := store.Progress(class)
	buf := make([]byte, StreamChunkBytes)

	for offset := st.Done; offset < st.Total; {
		n := min(uint64(StreamChunkBytes), st.Total-offset)

		got, err := store.Save(ctx, class, offset, buf[:n])
		if err != nil {
			return err
		}

		if err := sender.SendChunk(class, offset, buf[:got]); err != nil {
			return fmt.Errorf("SendChunk %s at %d: %w", class, offset, err)
		}

		offset += uint64(got)
	}

	return nil
}

// MigrateAll migrates several VFs to addr concurrently.  Each VF's
// transfer serializes on its own relay channel; there is no global lock
// across VFs.
func (m *Manager) MigrateAll(ctx context.Context, addr string, ids []migration.VFIdentity) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, id := range ids {
		id := id

		g.Go(func() error {
			return m.MigrateTo(ctx, addr, id)
		})
	}

	return g.Wait()
}

// Incoming listens on listenAddr for one incoming migration and restores
// the VF it carries.
func (m *Manager) Incoming(ctx context.Context, listenAddr string) error {
	m.log.WithField("addr", listenAddr).Info("waiting for incoming migration")

	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}

	defer l.Close()

	conn, err := l.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	defer conn.Close()

	return m.IncomingConn(ctx, conn)
}

// ServeIncoming accepts migrations on l until it is closed, restoring
// each connection's VF concurrently.
func (m *Manager) ServeIncoming(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	for {
		conn, err := l.Accept()
		if err != nil {
			break
		}

		g.Go(func() error {
			defer conn.Close()

			return m.IncomingConn(ctx, conn)
		})
	}

	return g.Wait()
}

// IncomingConn runs the destination side of the stream over an
// established connection.
func (m *Manager) IncomingConn(ctx context.Context, conn net.Conn) error {
	recv := migration.NewReceiver(conn)
	sender := migration.NewSender(conn)

	var (
		man *migration.Manifest
		id  migration.VFIdentity
	)

	for {
		msgType, payload, err := recv.Next()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		switch msgType {
		case migration.StreamManifest:
			man, err = migration.DecodeManifest(payload)
			if err != nil {
				return err
			}

			id = man.Identity()

			if err := m.prepareRestore(ctx, man); err != nil {
				return err
			}

		case migration.StreamChunk:
			if man == nil {
				return errChunkBeforeManifest
			}

			class, offset, data, err := migration.DecodeChunkPayload(payload)
			if err != nil {
				return err
			}

			if _, err := m.RestoreChunk(ctx, id, class, offset, data); err != nil {
				return err
			}

		case migration.StreamDone:
			if man == nil {
				return errDoneBeforeManifest
			}

			if err := m.EndMigrationRestore(id); err != nil {
				return err
			}

			if err := sender.SendReady(); err != nil {
				return err
			}

			m.log.WithField("vf", id.String()).Info("vf restored")

			return nil

		default:
			return fmt.Errorf("%w: %v", errUnexpectedStreamType, msgType)
		}
	}
}

// prepareRestore provisions the VF to the manifest sizes when it is not
// managed yet, then opens the restore pass.
func (m *Manager) prepareRestore(ctx context.Context, man *migration.Manifest) error {
	id := man.Identity()

	if _, err := m.runtime(id); err != nil {
		cfg := VFConfig{
			VFID:     id.VFID,
			Tile:     id.Tile,
			LMEMSize: man.Sizes[migration.ClassLMEM],
			GGTTSize: man.Sizes[migration.ClassGGTT],
		}

		if err := m.AddVF(ctx, cfg); err != nil {
			return fmt.Errorf("provision incoming %s: %w", id, err)
		}
	}

	return m.BeginMigrationRestore(ctx, id, man)
}
