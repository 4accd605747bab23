package vault

import (
	"context"

	"github.com/google/uuid"

	"github.com/avtopark/carvault/vault/disk"
	"github.com/avtopark/carvault/vault/paths"
)

// readLinks fetches a car's _LINKS.json; an absent file is an empty list.
func (e *Engine) readLinks(ctx context.Context, carRoot string) (*linksFile, error) {
	var lf linksFile
	if err := e.disk.GetJSON(ctx, carRoot+"/"+LinksFile, &lf); err != nil {
		if disk.IsNotFound(err) {
			return &linksFile{}, nil
		}
		return nil, err
	}
	return &lf, nil
}

func (e *Engine) writeLinks(ctx context.Context, carRoot string, lf *linksFile) error {
	lf.UpdatedAt = e.now()
	return e.disk.PutJSON(ctx, carRoot+"/"+LinksFile, lf)
}

// ListLinks returns a car's external links.
func (e *Engine) ListLinks(ctx context.Context, region, vin string) ([]Link, error) {
	car, err := e.findCar(ctx, region, vin)
	if err != nil {
		return nil, err
	}
	lf, err := e.readLinks(ctx, e.carRootOf(car))
	if err != nil {
		return nil, err
	}
	return lf.Links, nil
}

// CreateLink attaches a new external link to a car.
func (e *Engine) CreateLink(ctx context.Context, region, vin, title, url, actor string) (*Link, error) {
	if title == "" || url == "" {
		return nil, &ValidationError{Msg: "link title and url are required"}
	}
	car, err := e.findCar(ctx, region, vin)
	if err != nil {
		return nil, err
	}
	carRoot := e.carRootOf(car)

	lf, err := e.readLinks(ctx, carRoot)
	if err != nil {
		return nil, err
	}
	link := Link{
		ID:        uuid.NewString(),
		Title:     title,
		URL:       url,
		CreatedAt: e.now(),
		CreatedBy: actor,
	}
	lf.Links = append(lf.Links, link)
	if err := e.writeLinks(ctx, carRoot, lf); err != nil {
		return nil, err
	}
	return &link, nil
}

// DeleteLink removes a link by id.
func (e *Engine) DeleteLink(ctx context.Context, region, vin, id string) error {
	car, err := e.findCar(ctx, region, vin)
	if err != nil {
		return err
	}
	carRoot := e.carRootOf(car)

	lf, err := e.readLinks(ctx, carRoot)
	if err != nil {
		return err
	}
	kept := lf.Links[:0]
	for _, link := range lf.Links {
		if link.ID != id {
			kept = append(kept, link)
		}
	}
	if len(kept) == len(lf.Links) {
		return &NotFoundError{What: "link", Key: id}
	}
	lf.Links = kept
	return e.writeLinks(ctx, carRoot, lf)
}

// FindLinkByID scans the given regions serially for a link. The operation
// is administrative and rare; a linear scan is the honest cost of keeping
// links as per-car sidecars.
func (e *Engine) FindLinkByID(ctx context.Context, regions []string, id string) (*Link, *Car, error) {
	for _, region := range regions {
		idx, err := e.regionIndex(ctx, paths.NormalizeRegion(region))
		if err != nil {
			return nil, nil, err
		}
		for i := range idx.Cars {
			car := idx.Cars[i]
			lf, err := e.readLinks(ctx, e.carRootOf(&car))
			if err != nil {
				return nil, nil, err
			}
			for _, link := range lf.Links {
				if link.ID == id {
					found := link
					return &found, &car, nil
				}
			}
		}
	}
	return nil, nil, &NotFoundError{What: "link", Key: id}
}
