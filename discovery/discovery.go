// Package discovery implements the service discovery (Cloud Map) record
// that lets other services resolve a service's live task IPs over DNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	sd "github.com/aws/aws-sdk-go/service/servicediscovery"
	"github.com/aws/aws-sdk-go/service/servicediscovery/servicediscoveryiface"
	"github.com/kortschak/utter"
	"golang.org/x/exp/slog"

	"github.com/halyard-run/halyard/config"
	"github.com/halyard-run/halyard/core"
)

// Record is one service discovery entry. A record read from AWS carries ID
// and ARN; one built from the deploy spec identifies itself by namespace
// name and record name until it is created.
type Record struct {
	ID            string
	ARN           string
	Name          string
	NamespaceName string
	NamespaceID   string
	DNSType       string
	DNSTTL        int64
}

// NewRecord builds the desired discovery record from a deploy spec section.
func NewRecord(cfg *config.ServiceDiscovery) *Record {
	r := &Record{
		Name:          cfg.Name,
		NamespaceName: cfg.Namespace,
		DNSType:       cfg.DNSType,
		DNSTTL:        cfg.DNSTTL,
	}
	if r.DNSType == "" {
		r.DNSType = sd.RecordTypeA
	}
	if r.DNSTTL == 0 {
		r.DNSTTL = 10
	}
	return r
}

// PK is the service id once known, else "<namespace>:<name>".
func (r *Record) PK() string {
	if r.ID != "" {
		return r.ID
	}
	return r.NamespaceName + ":" + r.Name
}

type RecordDiff struct {
	Name    string
	DNSType string
	DNSTTL  int64
}

func (r *Record) RenderForDiff() any {
	return RecordDiff{Name: r.Name, DNSType: r.DNSType, DNSTTL: r.DNSTTL}
}

func (r *Record) RenderForDisplay() string { return utter.Sdump(r.RenderForDiff()) }

func (r *Record) Diff(other *Record) *core.Report {
	var live any
	if other != nil {
		live = other.RenderForDiff()
	}
	return core.Diff(r.RenderForDiff(), live)
}

// Gateway persists discovery records. Namespaces are read-only linked
// resources: a record whose namespace does not exist is a configuration
// error, not something halyard creates.
type Gateway struct {
	api    servicediscoveryiface.ServiceDiscoveryAPI
	logger *slog.Logger
}

var (
	_ core.Diffable         = (*Record)(nil)
	_ core.Gateway[*Record] = (*Gateway)(nil)
)

func NewGateway(api servicediscoveryiface.ServiceDiscoveryAPI) *Gateway {
	return &Gateway{api: api, logger: slog.With("component", "service-discovery")}
}

// Get looks up a record by one of: a service id ("srv-..."), a
// "<namespace>:<name>" pair, or a bare record name. A bare name that matches
// more than one record is ambiguous and reported as such.
func (g *Gateway) Get(ctx context.Context, pk string) (*Record, error) {
	if strings.HasPrefix(pk, "srv-") {
		return g.getByID(ctx, pk)
	}
	if ns, name, ok := strings.Cut(pk, ":"); ok {
		return g.getByNamespaceAndName(ctx, ns, name)
	}
	return g.getByBareName(ctx, pk)
}

func (g *Gateway) getByID(ctx context.Context, id string) (*Record, error) {
	out, err := g.api.GetServiceWithContext(ctx, &sd.GetServiceInput{Id: aws.String(id)})
	if err != nil {
		var nf *sd.ServiceNotFound
		if errors.As(err, &nf) {
			return nil, &core.ErrDoesNotExist{Kind: "service discovery record", PK: id}
		}
		return nil, fmt.Errorf("get service discovery record: %w", err)
	}
	return recordFromAWS(out.Service), nil
}

func (g *Gateway) getByNamespaceAndName(ctx context.Context, namespace, name string) (*Record, error) {
	ns, err := g.getNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}
	records, err := g.list(ctx, aws.StringValue(ns.Id))
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Name == name {
			r.NamespaceName = namespace
			return r, nil
		}
	}
	return nil, &core.ErrDoesNotExist{Kind: "service discovery record", PK: namespace + ":" + name}
}

func (g *Gateway) getByBareName(ctx context.Context, name string) (*Record, error) {
	records, err := g.list(ctx, "")
	if err != nil {
		return nil, err
	}
	var found []*Record
	for _, r := range records {
		if r.Name == name {
			found = append(found, r)
		}
	}
	switch len(found) {
	case 0:
		return nil, &core.ErrDoesNotExist{Kind: "service discovery record", PK: name}
	case 1:
		// list output omits the namespace id, so re-fetch by id
		return g.getByID(ctx, found[0].ID)
	default:
		return nil, &core.ErrMultipleObjects{Kind: "service discovery record", PK: name, Count: len(found)}
	}
}

func (g *Gateway) list(ctx context.Context, namespaceID string) ([]*Record, error) {
	in := &sd.ListServicesInput{}
	if namespaceID != "" {
		in.Filters = []*sd.ServiceFilter{{
			Name:      aws.String(sd.ServiceFilterNameNamespaceId),
			Values:    aws.StringSlice([]string{namespaceID}),
			Condition: aws.String(sd.FilterConditionEq),
		}}
	}
	var records []*Record
	err := g.api.ListServicesPagesWithContext(ctx, in, func(out *sd.ListServicesOutput, _ bool) bool {
		for _, s := range out.Services {
			r := &Record{
				ID:          aws.StringValue(s.Id),
				ARN:         aws.StringValue(s.Arn),
				Name:        aws.StringValue(s.Name),
				NamespaceID: namespaceID,
			}
			if s.DnsConfig != nil && len(s.DnsConfig.DnsRecords) > 0 {
				r.DNSType = aws.StringValue(s.DnsConfig.DnsRecords[0].Type)
				r.DNSTTL = aws.Int64Value(s.DnsConfig.DnsRecords[0].TTL)
			}
			records = append(records, r)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list service discovery records: %w", err)
	}
	return records, nil
}

func (g *Gateway) getNamespace(ctx context.Context, name string) (*sd.NamespaceSummary, error) {
	in := &sd.ListNamespacesInput{
		Filters: []*sd.NamespaceFilter{{
			Name:      aws.String("TYPE"),
			Values:    aws.StringSlice([]string{sd.NamespaceTypeDnsPrivate}),
			Condition: aws.String(sd.FilterConditionEq),
		}},
	}
	var match *sd.NamespaceSummary
	err := g.api.ListNamespacesPagesWithContext(ctx, in, func(out *sd.ListNamespacesOutput, _ bool) bool {
		for _, ns := range out.Namespaces {
			if aws.StringValue(ns.Name) == name {
				match = ns
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	if match == nil {
		return nil, &core.ErrImproperlyConfigured{Msg: fmt.Sprintf(
			"no private DNS namespace named %q exists; create the namespace before deploying", name,
		)}
	}
	return match, nil
}

func (g *Gateway) Exists(ctx context.Context, pk string) (bool, error) {
	_, err := g.Get(ctx, pk)
	if err != nil {
		var mult *core.ErrMultipleObjects
		if errors.As(err, &mult) {
			return true, err
		}
	}
	return core.ExistsFromErr(err)
}

// Save creates or updates the record and fills in the ARN and ID the
// platform assigned.
func (g *Gateway) Save(ctx context.Context, r *Record) error {
	live, err := g.Get(ctx, r.PK())
	if err != nil && !core.IsDoesNotExist(err) {
		return err
	}
	if live == nil {
		ns, err := g.getNamespace(ctx, r.NamespaceName)
		if err != nil {
			return err
		}
		r.NamespaceID = aws.StringValue(ns.Id)
		out, err := g.api.CreateServiceWithContext(ctx, &sd.CreateServiceInput{
			Name:        aws.String(r.Name),
			NamespaceId: aws.String(r.NamespaceID),
			DnsConfig: &sd.DnsConfig{
				RoutingPolicy: aws.String(sd.RoutingPolicyMultivalue),
				DnsRecords: []*sd.DnsRecord{{
					Type: aws.String(r.DNSType),
					TTL:  aws.Int64(r.DNSTTL),
				}},
			},
		})
		if err != nil {
			return fmt.Errorf("create service discovery record %s: %w", r.PK(), err)
		}
		r.ID = aws.StringValue(out.Service.Id)
		r.ARN = aws.StringValue(out.Service.Arn)
		g.logger.Info("created service discovery record", "name", r.Name, "id", r.ID)
		return nil
	}

	r.ID = live.ID
	r.ARN = live.ARN
	r.NamespaceID = live.NamespaceID
	if r.Diff(live).Empty() {
		return nil
	}
	_, err = g.api.UpdateServiceWithContext(ctx, &sd.UpdateServiceInput{
		Id: aws.String(r.ID),
		Service: &sd.ServiceChange{
			DnsConfig: &sd.DnsConfigChange{
				DnsRecords: []*sd.DnsRecord{{
					Type: aws.String(r.DNSType),
					TTL:  aws.Int64(r.DNSTTL),
				}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("update service discovery record %s: %w", r.PK(), err)
	}
	g.logger.Info("updated service discovery record", "name", r.Name, "id", r.ID)
	return nil
}

// Delete removes the record; an absent record is not an error.
func (g *Gateway) Delete(ctx context.Context, r *Record) error {
	id := r.ID
	if id == "" {
		live, err := g.Get(ctx, r.PK())
		if core.IsDoesNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		id = live.ID
	}
	_, err := g.api.DeleteServiceWithContext(ctx, &sd.DeleteServiceInput{Id: aws.String(id)})
	if err != nil {
		var nf *sd.ServiceNotFound
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("delete service discovery record %s: %w", r.PK(), err)
	}
	g.logger.Info("deleted service discovery record", "name", r.Name, "id", id)
	return nil
}

func recordFromAWS(s *sd.Service) *Record {
	r := &Record{
		ID:          aws.StringValue(s.Id),
		ARN:         aws.StringValue(s.Arn),
		Name:        aws.StringValue(s.Name),
		NamespaceID: aws.StringValue(s.NamespaceId),
	}
	if s.DnsConfig != nil {
		if r.NamespaceID == "" {
			r.NamespaceID = aws.StringValue(s.DnsConfig.NamespaceId)
		}
		if len(s.DnsConfig.DnsRecords) > 0 {
			r.DNSType = aws.StringValue(s.DnsConfig.DnsRecords[0].Type)
			r.DNSTTL = aws.Int64Value(s.DnsConfig.DnsRecords[0].TTL)
		}
	}
	return r
}
