package modules

import (
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/meterd/internal/kv"
)

// KVModule exposes a persistent bucket to Lua as the kv module.
type KVModule struct {
	bucket *kv.Bucket
}

// NewKVModule creates a new KV module over bucket.
func NewKVModule(bucket *kv.Bucket) *KVModule {
	return &KVModule{bucket: bucket}
}

// Loader is the module loader for Lua.
func (m *KVModule) Loader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get":    m.get,
		"set":    m.set,
		"delete": m.delete,
		"keys":   m.keys,
	})
	L.Push(mod)
	return 1
}

// get(key) -> value or nil
func (m *KVModule) get(L *lua.LState) int {
	key := L.CheckString(1)

	value, err := m.bucket.Get(key)
	if err != nil {
		log.Warn().Err(err).Str("bucket", m.bucket.Name()).Str("key", key).Msg("Failed to read kv value")
		L.Push(lua.LNil)
		return 1
	}
	L.Push(GoToLuaValue(L, value))
	return 1
}

// set(key, value, opts) -> bool
// opts: { ttl = seconds }
func (m *KVModule) set(L *lua.LState) int {
	key := L.CheckString(1)
	value := LuaToGo(L.Get(2))

	var ttl time.Duration
	if opts := L.OptTable(3, nil); opts != nil {
		if n, ok := L.GetField(opts, "ttl").(lua.LNumber); ok {
			ttl = time.Duration(float64(n) * float64(time.Second))
		}
	}

	if err := m.bucket.Set(key, value, ttl); err != nil {
		log.Warn().Err(err).Str("bucket", m.bucket.Name()).Str("key", key).Msg("Failed to store kv value")
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// delete(key) -> bool
func (m *KVModule) delete(L *lua.LState) int {
	key := L.CheckString(1)

	deleted, err := m.bucket.Delete(key)
	if err != nil {
		log.Warn().Err(err).Str("bucket", m.bucket.Name()).Str("key", key).Msg("Failed to delete kv value")
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LBool(deleted))
	return 1
}

// keys() -> table
func (m *KVModule) keys(L *lua.LState) int {
	keys, err := m.bucket.Keys()
	if err != nil {
		log.Warn().Err(err).Str("bucket", m.bucket.Name()).Msg("Failed to list kv keys")
		L.Push(L.NewTable())
		return 1
	}

	tbl := L.NewTable()
	for i, key := range keys {
		tbl.RawSetInt(i+1, lua.LString(key))
	}
	L.Push(tbl)
	return 1
}
