package control

import (
	"context"
	"fmt"
	"net"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/cqlkit/pkg/conn"
	"github.com/grafana/cqlkit/pkg/cqlproto"
	"github.com/grafana/cqlkit/pkg/topology"
)

const (
	localQuery = "SELECT data_center, rack, release_version, tokens, broadcast_address, schema_version FROM system.local"
	peersQuery = "SELECT peer, data_center, rack, release_version, tokens, rpc_address FROM system.peers"
)

// refreshTopology reloads the host registry from the connected node's system
// catalog. Hosts that disappeared from the catalog are removed, with the
// exception of the control host itself.
func (c *Control) refreshTopology(ctx context.Context) error {
	cn := c.currentConn()
	if cn == nil {
		return errors.New("no control connection")
	}
	c.metrics.refreshes.Inc()

	_, port, err := net.SplitHostPort(cn.Address())
	if err != nil {
		return errors.Wrap(err, "control connection address")
	}

	seen := map[string]bool{cn.Address(): true}

	local, err := c.queryRows(ctx, cn, localQuery)
	if err != nil {
		c.metrics.refreshErr.Inc()
		return errors.Wrap(err, "querying system.local")
	}
	if len(local.Rows) > 0 {
		row, err := c.decodeRow(local.Meta, local.Rows[0], cn.Proto())
		if err != nil {
			c.metrics.refreshErr.Inc()
			return errors.Wrap(err, "decoding system.local")
		}
		info := hostInfoFromRow(row, cn.Address())
		if la := asIP(row["broadcast_address"]); la != nil {
			info.ListenAddress = la.String()
		}
		h := c.metadata.UpdateHost(info)
		c.metadata.MarkHostUp(h)
		if v := asString(row["schema_version"]); v != "" {
			c.schemaVersion.Store(v)
		}
	}

	peers, err := c.queryRows(ctx, cn, peersQuery)
	if err != nil {
		c.metrics.refreshErr.Inc()
		return errors.Wrap(err, "querying system.peers")
	}
	for _, raw := range peers.Rows {
		row, err := c.decodeRow(peers.Meta, raw, cn.Proto())
		if err != nil {
			level.Warn(c.logger).Log("msg", "skipping undecodable peer row", "err", err)
			continue
		}
		peer := asIP(row["peer"])
		rpc := asIP(row["rpc_address"])
		if rpc == nil || rpc.IsUnspecified() {
			// nodes listening on the wildcard address advertise only
			// their broadcast address
			rpc = peer
		}
		if rpc == nil {
			level.Warn(c.logger).Log("msg", "peer row without usable address, skipping")
			continue
		}

		info := hostInfoFromRow(row, net.JoinHostPort(rpc.String(), port))
		if peer != nil {
			info.ListenAddress = peer.String()
		}
		c.metadata.UpdateHost(info)
		seen[info.Address] = true
	}

	for _, h := range c.metadata.Hosts() {
		if !seen[h.Address()] {
			level.Info(c.logger).Log("msg", "removing host absent from catalog", "address", h.Address())
			c.metadata.RemoveHost(h.Address())
		}
	}
	return nil
}

// refreshSchemaVersion re-reads schema_version from system.local after a
// schema change burst.
func (c *Control) refreshSchemaVersion(ctx context.Context) error {
	cn := c.currentConn()
	if cn == nil {
		return errors.New("no control connection")
	}
	rows, err := c.queryRows(ctx, cn, "SELECT schema_version FROM system.local")
	if err != nil {
		return err
	}
	if len(rows.Rows) == 0 {
		return nil
	}
	row, err := c.decodeRow(rows.Meta, rows.Rows[0], cn.Proto())
	if err != nil {
		return err
	}
	if v := asString(row["schema_version"]); v != "" {
		c.schemaVersion.Store(v)
	}
	return nil
}

func (c *Control) queryRows(ctx context.Context, cn *conn.Conn, stmt string) (*cqlproto.ResultRowsFrame, error) {
	frame, err := cn.Exec(ctx, &cqlproto.QueryFrame{
		Statement: stmt,
		Params:    cqlproto.QueryParams{Consistency: cqlproto.One},
	})
	if err != nil {
		return nil, err
	}
	rows, ok := frame.(*cqlproto.ResultRowsFrame)
	if !ok {
		return nil, cqlproto.NewErrProtocol("expected rows result for %q, got %v", stmt, frame)
	}
	return rows, nil
}

// decodeRow resolves a codec per column and produces name-keyed values.
func (c *Control) decodeRow(meta cqlproto.ResultMetadata, cells [][]byte, proto cqlproto.Version) (map[string]interface{}, error) {
	row := make(map[string]interface{}, len(meta.Columns))
	for i, col := range meta.Columns {
		if i >= len(cells) {
			break
		}
		cdc, err := c.codecs.CodecForType(col.TypeInfo)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", col.Name)
		}
		v, err := cdc.Unmarshal(cells[i], proto)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", col.Name)
		}
		row[col.Name] = v
	}
	return row, nil
}

func hostInfoFromRow(row map[string]interface{}, address string) topology.HostInfo {
	return topology.HostInfo{
		Address:        address,
		Datacenter:     asString(row["data_center"]),
		Rack:           asString(row["rack"]),
		ReleaseVersion: asString(row["release_version"]),
		Tokens:         asStrings(row["tokens"]),
	}
}

func asString(v interface{}) string {
	switch vv := v.(type) {
	case string:
		return vv
	case fmt.Stringer:
		// schema_version is a uuid column
		return vv.String()
	}
	return ""
}

func asStrings(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asIP(v interface{}) net.IP {
	ip, _ := v.(net.IP)
	return ip
}
