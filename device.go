package main

import (
	"fmt"
	"sort"
	"sync"
)

// DeviceTable Unit ID 到 DataStore 的對應表
//
// 多個 Unit ID 可以指向同一個 DataStore (別名)，透過任一 ID 的寫入
// 都會立即反映在其他別名上。
type DeviceTable struct {
	mu     sync.RWMutex
	stores map[uint8]*DataStore
}

// NewDeviceTable 建立空的設備對應表
func NewDeviceTable() *DeviceTable {
	return &DeviceTable{
		stores: make(map[uint8]*DataStore),
	}
}

// Register 將一組 Unit ID 註冊到同一個 DataStore
func (t *DeviceTable) Register(store *DataStore, unitIDs ...uint8) error {
	if store == nil {
		return fmt.Errorf("DataStore 不可為 nil")
	}
	if len(unitIDs) == 0 {
		return fmt.Errorf("至少需要一個 Unit ID")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range unitIDs {
		if _, exists := t.stores[id]; exists {
			return fmt.Errorf("Unit ID %d 已被註冊", id)
		}
	}
	for _, id := range unitIDs {
		t.stores[id] = store
	}
	return nil
}

// Resolve 取得 Unit ID 對應的 DataStore
func (t *DeviceTable) Resolve(unitID uint8) (*DataStore, error) {
	t.mu.RLock()
	store, ok := t.stores[unitID]
	t.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: Unit ID %d 未註冊", ErrGatewayTargetDeviceFailed, unitID)
	}
	return store, nil
}

// UnitIDs 列出所有已註冊的 Unit ID (遞增排序)
func (t *DeviceTable) UnitIDs() []uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]uint8, 0, len(t.stores))
	for id := range t.stores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stores 列出不重複的 DataStore，依最小 Unit ID 排序
func (t *DeviceTable) Stores() []*DataStore {
	ids := t.UnitIDs()

	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[*DataStore]struct{}, len(t.stores))
	stores := make([]*DataStore, 0, len(t.stores))
	for _, id := range ids {
		store := t.stores[id]
		if _, ok := seen[store]; ok {
			continue
		}
		seen[store] = struct{}{}
		stores = append(stores, store)
	}
	return stores
}
