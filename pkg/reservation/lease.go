package reservation

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/fsutil"
)

// Lease records one active reservation.
type Lease struct {
	ID      string    `yaml:"id"`
	Key     string    `yaml:"key"`
	Bytes   int64     `yaml:"bytes"`
	Staging string    `yaml:"staging,omitempty"`
	Final   string    `yaml:"final,omitempty"`
	PID     int       `yaml:"pid"`
	Host    string    `yaml:"host"`
	RunID   string    `yaml:"run_id,omitempty"`
	Created time.Time `yaml:"created"`
}

type leaseFile struct {
	Leases []Lease `yaml:"leases"`
}

func (f *leaseFile) indexOf(key string) int {
	for i := range f.Leases {
		if f.Leases[i].Key == key {
			return i
		}
	}
	return -1
}

func (f *leaseFile) remove(i int) {
	f.Leases = append(f.Leases[:i], f.Leases[i+1:]...)
}

func (f *leaseFile) total() int64 {
	var sum int64
	for _, l := range f.Leases {
		sum += l.Bytes
	}
	return sum
}

func (l *Ledger) readLeases() (*leaseFile, error) {
	data, err := os.ReadFile(l.LeasePath())
	if os.IsNotExist(err) {
		return &leaseFile{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", l.LeasePath())
	}

	var f leaseFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", l.LeasePath())
	}
	return &f, nil
}

func (l *Ledger) writeLeases(f *leaseFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "failed to encode leases")
	}
	if err := fsutil.WriteFileAtomic(l.LeasePath(), data, fsutil.FileModeDefault); err != nil {
		return errors.Wrapf(err, "failed to write %s", l.LeasePath())
	}
	return nil
}
