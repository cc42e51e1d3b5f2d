package persistence

import (
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// Store keeps snapshots keyed by network ID.
type Store interface {
	Save(networkID string, s *Snapshot) error
	Load(networkID string) (*Snapshot, error)
	Networks() ([]string, error)
	Delete(networkID string) error
}

type fileStore struct {
	filename string
	lock     sync.RWMutex
}

// NewFileStore keeps every network in one JSON file.
func NewFileStore(filename string) Store {
	return &fileStore{
		filename: filename,
	}
}

func (fs *fileStore) Save(networkID string, s *Snapshot) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	all, err := fs.loadExisting()
	if err != nil {
		return err
	}

	v := *s
	v.Version = Version
	all[networkID] = v

	return fs.store(all)
}

func (fs *fileStore) Load(networkID string) (*Snapshot, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	all, err := fs.loadExisting()
	if err != nil {
		return nil, err
	}

	s, ok := all[networkID]
	if !ok {
		return nil, fmt.Errorf("snapshot for network %s not found", networkID)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("network %s: %w %d", networkID, ErrUnsupportedVersion, s.Version)
	}

	return &s, nil
}

func (fs *fileStore) Networks() ([]string, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	all, err := fs.loadExisting()
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(all))
	for id := range all {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (fs *fileStore) Delete(networkID string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	all, err := fs.loadExisting()
	if err != nil {
		return err
	}
	if _, ok := all[networkID]; !ok {
		return nil
	}
	delete(all, networkID)

	if len(all) == 0 {
		return os.Remove(fs.filename)
	}
	return fs.store(all)
}

func (fs *fileStore) loadExisting() (map[string]Snapshot, error) {
	_, err := os.Stat(fs.filename)
	if os.IsNotExist(err) {
		return map[string]Snapshot{}, nil
	}

	in, err := ioutil.ReadFile(fs.filename)
	if err != nil {
		return nil, err
	}

	var all map[string]Snapshot
	err = jsoniter.Unmarshal(in, &all)
	if err != nil {
		return nil, err
	}
	if all == nil {
		all = map[string]Snapshot{}
	}

	return all, nil
}

func (fs *fileStore) store(all map[string]Snapshot) error {
	out, err := jsoniter.Marshal(all)
	if err != nil {
		return err
	}

	// the file holds key material
	return ioutil.WriteFile(fs.filename, out, 0600)
}
