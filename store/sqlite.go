package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/errorkinds"
)

// SQLite is a Policy Store persisted to a SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) a SQLite database at path
// and runs the schema migration.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open policy db: %w", err)
	}

	// History sequence numbers are allocated inside single statements.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate policy db: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS connection_policies (
			device     TEXT NOT NULL,
			profile    TEXT NOT NULL,
			policy     TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (device, profile)
		);
		CREATE TABLE IF NOT EXISTS connection_history (
			device      TEXT NOT NULL,
			profile     TEXT NOT NULL,
			connected   INTEGER NOT NULL,
			seq         INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (device, profile)
		);
		CREATE INDEX IF NOT EXISTS connection_history_recency
			ON connection_history (profile, seq DESC);
		CREATE TABLE IF NOT EXISTS le_audio_allowlist (
			device   TEXT PRIMARY KEY,
			added_at INTEGER NOT NULL
		);
	`)

	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ProfileConnectionPolicy returns the stored policy of a device's profile.
func (s *SQLite) ProfileConnectionPolicy(ctx context.Context, device bluetooth.MacAddress, profile bluetooth.Profile) (bluetooth.ConnectionPolicy, error) {
	var value string

	err := s.db.QueryRowContext(ctx,
		"SELECT policy FROM connection_policies WHERE device = ? AND profile = ?",
		device.String(), profile.String(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return bluetooth.PolicyUnknown, nil
	}
	if err != nil {
		return bluetooth.PolicyUnknown, s.wrap(err, "store-get-policy", device, profile)
	}

	return bluetooth.ParseConnectionPolicy(value)
}

// SetProfileConnectionPolicy stores the policy of a device's profile.
func (s *SQLite) SetProfileConnectionPolicy(ctx context.Context, device bluetooth.MacAddress, profile bluetooth.Profile, policy bluetooth.ConnectionPolicy) error {
	if profile == bluetooth.ProfileNone {
		return fmt.Errorf("set policy for %q: %w", device.String(), errorkinds.ErrInvalidProfile)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_policies (device, profile, policy, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device, profile) DO UPDATE SET
			policy = excluded.policy,
			updated_at = excluded.updated_at`,
		device.String(), profile.String(), policy.String(), s.now().UnixNano(),
	)

	return s.wrap(err, "store-set-policy", device, profile)
}

// Policies returns every decided policy of a device.
func (s *SQLite) Policies(ctx context.Context, device bluetooth.MacAddress) (map[bluetooth.Profile]bluetooth.ConnectionPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT profile, policy FROM connection_policies WHERE device = ?", device.String(),
	)
	if err != nil {
		return nil, s.wrap(err, "store-list-policies", device, bluetooth.ProfileNone)
	}
	defer rows.Close()

	policies := make(map[bluetooth.Profile]bluetooth.ConnectionPolicy)
	for rows.Next() {
		var profileName, policyName string
		if err := rows.Scan(&profileName, &policyName); err != nil {
			return nil, err
		}

		profile, err := bluetooth.ParseProfile(profileName)
		if err != nil {
			continue
		}

		policy, err := bluetooth.ParseConnectionPolicy(policyName)
		if err != nil {
			continue
		}

		policies[profile] = policy
	}

	return policies, rows.Err()
}

// RecordConnection records that a device's profile connected.
func (s *SQLite) RecordConnection(ctx context.Context, device bluetooth.MacAddress, profile bluetooth.Profile) error {
	return s.record(ctx, device, profile, true)
}

// RecordDisconnection records that a device's profile disconnected.
func (s *SQLite) RecordDisconnection(ctx context.Context, device bluetooth.MacAddress, profile bluetooth.Profile) error {
	return s.record(ctx, device, profile, false)
}

func (s *SQLite) record(ctx context.Context, device bluetooth.MacAddress, profile bluetooth.Profile, connected bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_history (device, profile, connected, seq, recorded_at)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM connection_history), ?)
		ON CONFLICT (device, profile) DO UPDATE SET
			connected = excluded.connected,
			seq = excluded.seq,
			recorded_at = excluded.recorded_at`,
		device.String(), profile.String(), connected, s.now().UnixNano(),
	)

	return s.wrap(err, "store-record-history", device, profile)
}

// History returns the latest fact of every device for a profile, most recent first.
func (s *SQLite) History(ctx context.Context, profile bluetooth.Profile) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device, connected, seq, recorded_at FROM connection_history
		WHERE profile = ? ORDER BY seq DESC`,
		profile.String(),
	)
	if err != nil {
		return nil, s.wrap(err, "store-list-history", bluetooth.MacAddress{}, profile)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var (
			address    string
			connected  bool
			seq        int64
			recordedAt int64
		)

		if err := rows.Scan(&address, &connected, &seq, &recordedAt); err != nil {
			return nil, err
		}

		device, err := bluetooth.ParseMAC(address)
		if err != nil {
			continue
		}

		facts = append(facts, Fact{
			Device:     device,
			Profile:    profile,
			Connected:  connected,
			Sequence:   uint64(seq),
			RecordedAt: time.Unix(0, recordedAt),
		})
	}

	return facts, rows.Err()
}

// MostRecentlyConnectedDevice returns the device that connected the profile
// most recently and has not disconnected it since.
func (s *SQLite) MostRecentlyConnectedDevice(ctx context.Context, profile bluetooth.Profile) (bluetooth.MacAddress, error) {
	var address string

	err := s.db.QueryRowContext(ctx, `
		SELECT device FROM connection_history
		WHERE profile = ? AND connected = 1
		ORDER BY seq DESC LIMIT 1`,
		profile.String(),
	).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return bluetooth.MacAddress{}, fmt.Errorf("most recent %s device: %w", profile, errorkinds.ErrNoHistory)
	}
	if err != nil {
		return bluetooth.MacAddress{}, s.wrap(err, "store-most-recent", bluetooth.MacAddress{}, profile)
	}

	return bluetooth.ParseMAC(address)
}

// RecentlyConnectedDevices returns the devices that connected the profile,
// most recent first, excluding those whose latest fact is a disconnection.
func (s *SQLite) RecentlyConnectedDevices(ctx context.Context, profile bluetooth.Profile) ([]bluetooth.MacAddress, error) {
	facts, err := s.History(ctx, profile)
	if err != nil {
		return nil, err
	}

	return connectedDevices(facts), nil
}

// IsLeAudioAllowlisted reports whether a device may use LE audio
// when LE audio is not enabled by default.
func (s *SQLite) IsLeAudioAllowlisted(ctx context.Context, device bluetooth.MacAddress) (bool, error) {
	var count int

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM le_audio_allowlist WHERE device = ?", device.String(),
	).Scan(&count)
	if err != nil {
		return false, s.wrap(err, "store-allowlist-get", device, bluetooth.ProfileLeAudio)
	}

	return count > 0, nil
}

// SetLeAudioAllowlisted adds or removes a device from the LE audio allowlist.
func (s *SQLite) SetLeAudioAllowlisted(ctx context.Context, device bluetooth.MacAddress, allowed bool) error {
	var err error

	if allowed {
		_, err = s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO le_audio_allowlist (device, added_at) VALUES (?, ?)",
			device.String(), s.now().UnixNano(),
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			"DELETE FROM le_audio_allowlist WHERE device = ?", device.String(),
		)
	}

	return s.wrap(err, "store-allowlist-set", device, bluetooth.ProfileLeAudio)
}

func (s *SQLite) wrap(err error, at string, device bluetooth.MacAddress, profile bluetooth.Profile) error {
	return errorkinds.Wrap(err, at, "An error occurred while accessing the policy store",
		"address", device.String(),
		"profile", profile.String(),
	)
}
