/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package mysql

import (
	"time"
)

// ClusterKv is one coordination key, a lease bound key disappears once lease_expire_at passed
type ClusterKv struct {
	ID            uint64     `gorm:"primary_key;autoIncrement;comment:id" json:"id"`
	KeyName       string     `gorm:"type:varchar(512);not null;uniqueIndex:uniq_key_name;comment:coordination key" json:"keyName"`
	Value         []byte     `gorm:"type:longblob;comment:opaque value" json:"value"`
	ModRevision   int64      `gorm:"not null;comment:revision of the last modification" json:"modRevision"`
	LeaseID       string     `gorm:"type:varchar(64);comment:bound lease id" json:"leaseID"`
	LeaseExpireAt *time.Time `gorm:"type:datetime(3);default:null;index:idx_lease_expire;comment:lease expire time" json:"leaseExpireAt"`
	*Entity
}

// ClusterKvEvent is the ordered change log the watchers poll, its id is the store revision
type ClusterKvEvent struct {
	ID        int64     `gorm:"primary_key;autoIncrement;comment:revision" json:"id"`
	EventType string    `gorm:"type:varchar(10);not null;comment:PUT or DELETE" json:"eventType"`
	KeyName   string    `gorm:"type:varchar(512);not null;index:idx_key_name;comment:coordination key" json:"keyName"`
	Value     []byte    `gorm:"type:longblob;comment:opaque value" json:"value"`
	CreatedAt time.Time `gorm:"<-:create" json:"createdAt"`
}
